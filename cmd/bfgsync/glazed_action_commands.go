package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"bfgsync/internal/allocation"
	"bfgsync/internal/eventbus"
	"bfgsync/internal/model"
	"bfgsync/internal/policy"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type importPlanGlazedCommand struct {
	*cmds.CommandDescription
}

type importPlanSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
	File     string `glazed.parameter:"file"`
	Type     int    `glazed.parameter:"type"`
}

func newImportPlanGlazedCommand() (*importPlanGlazedCommand, error) {
	return &importPlanGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"import-plan",
			cmds.WithShort("Upload a plan file and import it as a new plan"),
			cmds.WithLong("Upload the file to the platform, then import it as a plan named after the file and the current time."),
			platformFlags(
				parameters.NewParameterDefinition("file", parameters.ParameterTypeString, parameters.WithHelp("Plan file to upload"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("type", parameters.ParameterTypeInteger, parameters.WithHelp("Plan import type"), parameters.WithDefault(1)),
			),
		),
	}, nil
}

func (c *importPlanGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &importPlanSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.File) == "" {
		return fmt.Errorf("--file is required")
	}
	cfg, logger, err := loadRuntime(settings.Config, settings.LogLevel)
	if err != nil {
		return err
	}
	bfg, err := openClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer bfg.Close()

	result, err := bfg.ImportPlan(ctx, settings.File, settings.Type)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

var _ cmds.BareCommand = &importPlanGlazedCommand{}

type deletePlanGlazedCommand struct {
	*cmds.CommandDescription
}

type deleteByIDSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
	ID       int    `glazed.parameter:"id"`
}

func newDeletePlanGlazedCommand() (*deletePlanGlazedCommand, error) {
	return &deletePlanGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"delete-plan",
			cmds.WithShort("Delete a plan"),
			platformFlags(
				parameters.NewParameterDefinition("id", parameters.ParameterTypeInteger, parameters.WithHelp("Plan id"), parameters.WithDefault(0)),
			),
		),
	}, nil
}

func (c *deletePlanGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &deleteByIDSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.ID <= 0 {
		return fmt.Errorf("--id is required")
	}
	cfg, logger, err := loadRuntime(settings.Config, settings.LogLevel)
	if err != nil {
		return err
	}
	bfg, err := openClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer bfg.Close()

	if err := bfg.DeletePlan(ctx, int64(settings.ID)); err != nil {
		return err
	}
	fmt.Printf("Deleted plan %d\n", settings.ID)
	return nil
}

var _ cmds.BareCommand = &deletePlanGlazedCommand{}

type staticGlazedCommand struct {
	*cmds.CommandDescription
}

type staticSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
	Start    string `glazed.parameter:"start"`
	Stop     string `glazed.parameter:"stop"`
	PlanID   int    `glazed.parameter:"plan"`
	UserID   int    `glazed.parameter:"user"`
	WithWIP  bool   `glazed.parameter:"wip"`
	Delete   bool   `glazed.parameter:"delete"`
}

func newStaticGlazedCommand() (*staticGlazedCommand, error) {
	return &staticGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"static",
			cmds.WithShort("Create and activate a static calculation session for a plan"),
			cmds.WithLong("Optionally allocate the plan against the latest WIP snapshot, then create and activate a static calculation session. The session is kept unless --delete is set."),
			platformFlags(
				parameters.NewParameterDefinition("start", parameters.ParameterTypeString, parameters.WithHelp("Calculation start date (YYYY-MM-DD)"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("stop", parameters.ParameterTypeString, parameters.WithHelp("Calculation stop date (YYYY-MM-DD)"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("plan", parameters.ParameterTypeInteger, parameters.WithHelp("Plan id"), parameters.WithDefault(0)),
				parameters.NewParameterDefinition("user", parameters.ParameterTypeInteger, parameters.WithHelp("Session owner (defaults to the logged-in user)"), parameters.WithDefault(0)),
				parameters.NewParameterDefinition("wip", parameters.ParameterTypeBool, parameters.WithHelp("Allocate against the latest WIP snapshot first"), parameters.WithDefault(false)),
				parameters.NewParameterDefinition("delete", parameters.ParameterTypeBool, parameters.WithHelp("Delete the static session once it is activated"), parameters.WithDefault(false)),
			),
		),
	}, nil
}

func (c *staticGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &staticSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	request, err := staticRequest(settings)
	if err != nil {
		return err
	}
	cfg, logger, err := loadRuntime(settings.Config, settings.LogLevel)
	if err != nil {
		return err
	}

	bus, err := eventbus.New(cfg.Events, logger.With("component", "eventbus"))
	if err != nil {
		return err
	}
	defer bus.Close()

	bfg, err := openClient(cfg, logger, echoPublisher{w: os.Stdout, next: bus})
	if err != nil {
		return err
	}
	defer bfg.Close()

	result, err := bfg.CreateStaticCalculation(ctx, request)
	if err != nil {
		return err
	}
	snapshot := "none"
	if result.SnapshotID != nil {
		snapshot = fmt.Sprintf("%d", *result.SnapshotID)
	}
	fmt.Printf("Static session %d activated (run %s, snapshot %s)\n", result.SessionID, result.RunID, snapshot)
	if !settings.Delete {
		return nil
	}
	if err := bfg.DeleteStaticSession(context.WithoutCancel(ctx), result.SessionID); err != nil {
		return err
	}
	fmt.Printf("Deleted static session %d\n", result.SessionID)
	return nil
}

func staticRequest(settings *staticSettings) (allocation.Request, error) {
	if settings.PlanID <= 0 {
		return allocation.Request{}, fmt.Errorf("--plan is required")
	}
	start, err := parseDate("start", settings.Start)
	if err != nil {
		return allocation.Request{}, err
	}
	stop, err := parseDate("stop", settings.Stop)
	if err != nil {
		return allocation.Request{}, err
	}
	if !start.IsZero() && !stop.IsZero() && stop.Before(start) {
		return allocation.Request{}, fmt.Errorf("--stop %s is before --start %s", settings.Stop, settings.Start)
	}
	return allocation.Request{
		Start:   start,
		Stop:    stop,
		PlanID:  int64(settings.PlanID),
		UserID:  int64(settings.UserID),
		WithWIP: settings.WithWIP,
	}, nil
}

// echoPublisher prints every transition of this process's run before
// handing it to the bus. Followers read the bus; the run itself never does.
type echoPublisher struct {
	w    io.Writer
	next allocation.TransitionPublisher
}

func (p echoPublisher) PublishTransition(ctx context.Context, transition model.AllocationTransition) error {
	if _, err := fmt.Fprintln(p.w, formatTransition(transition)); err != nil {
		return err
	}
	return p.next.PublishTransition(ctx, transition)
}

func printTransitions(w io.Writer) eventbus.TransitionHandler {
	return func(_ context.Context, transition model.AllocationTransition) error {
		_, err := fmt.Fprintln(w, formatTransition(transition))
		return err
	}
}

var _ cmds.BareCommand = &staticGlazedCommand{}

type deleteStaticGlazedCommand struct {
	*cmds.CommandDescription
}

func newDeleteStaticGlazedCommand() (*deleteStaticGlazedCommand, error) {
	return &deleteStaticGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"delete-static",
			cmds.WithShort("Delete a static calculation session"),
			platformFlags(
				parameters.NewParameterDefinition("id", parameters.ParameterTypeInteger, parameters.WithHelp("Static session id"), parameters.WithDefault(0)),
			),
		),
	}, nil
}

func (c *deleteStaticGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &deleteByIDSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.ID <= 0 {
		return fmt.Errorf("--id is required")
	}
	cfg, logger, err := loadRuntime(settings.Config, settings.LogLevel)
	if err != nil {
		return err
	}
	bfg, err := openClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer bfg.Close()

	if err := bfg.DeleteStaticSession(ctx, int64(settings.ID)); err != nil {
		return err
	}
	fmt.Printf("Deleted static session %d\n", settings.ID)
	return nil
}

var _ cmds.BareCommand = &deleteStaticGlazedCommand{}

type eventsGlazedCommand struct {
	*cmds.CommandDescription
}

type eventsSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
}

func newEventsGlazedCommand() (*eventsGlazedCommand, error) {
	return &eventsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"events",
			cmds.WithShort("Follow allocation workflow transitions"),
			cmds.WithLong("Print allocation workflow transitions published by other bfgsync processes. Requires the redis events backend."),
			platformFlags(),
		),
	}, nil
}

func (c *eventsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &eventsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, logger, err := loadRuntime(settings.Config, settings.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Events.Backend != policy.EventsBackendRedis {
		return fmt.Errorf("events requires events.backend: %s", policy.EventsBackendRedis)
	}
	bus, err := eventbus.New(cfg.Events, logger.With("component", "eventbus"))
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.Healthy(ctx); err != nil {
		return err
	}

	followCtx, stop := signalContext(ctx)
	defer stop()
	if err := bus.HandleTransitions(followCtx, printTransitions(os.Stdout)); err != nil {
		return err
	}
	logger.Info("following transitions", "stream", bus.Topic(eventbus.TopicAllocationTransitions))
	<-followCtx.Done()
	return nil
}

var _ cmds.BareCommand = &eventsGlazedCommand{}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default bfgsync config file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(policy.DefaultConfigPath),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}
