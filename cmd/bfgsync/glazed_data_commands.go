package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bfgsync/internal/collection"
	"bfgsync/internal/model"
	"bfgsync/internal/policy"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

// platformFlags are accepted by every command that talks to the platform.
func platformFlags(extra ...*parameters.ParameterDefinition) cmds.CommandDescriptionOption {
	flags := []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition("config", parameters.ParameterTypeString, parameters.WithHelp("Path to config file"), parameters.WithDefault(policy.DefaultConfigPath)),
		parameters.NewParameterDefinition("log-level", parameters.ParameterTypeString, parameters.WithHelp("Log level (debug|info|warn|error)"), parameters.WithDefault("info")),
	}
	return cmds.WithFlags(append(flags, extra...)...)
}

type fetchGlazedCommand struct {
	*cmds.CommandDescription
}

type fetchSettings struct {
	Config   string   `glazed.parameter:"config"`
	LogLevel string   `glazed.parameter:"log-level"`
	Table    string   `glazed.parameter:"table"`
	Key      string   `glazed.parameter:"key"`
	Filters  []string `glazed.parameter:"filter"`
	OrderBy  []string `glazed.parameter:"order-by"`
}

func newFetchGlazedCommand() (*fetchGlazedCommand, error) {
	return &fetchGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"fetch",
			cmds.WithShort("Fetch a whole collection and print one field per row"),
			cmds.WithLong("Page through a platform collection, merge the pages and print the key field of every row."),
			platformFlags(
				parameters.NewParameterDefinition("table", parameters.ParameterTypeString, parameters.WithHelp("Collection name"), parameters.WithDefault("")),
				parameters.NewParameterDefinition("key", parameters.ParameterTypeString, parameters.WithHelp("Field to print for every row"), parameters.WithDefault("name")),
				parameters.NewParameterDefinition("filter", parameters.ParameterTypeStringList, parameters.WithHelp("Filter as field=value (repeatable, or comma-separated)"), parameters.WithDefault([]string{})),
				parameters.NewParameterDefinition("order-by", parameters.ParameterTypeStringList, parameters.WithHelp("Ordering field (repeatable)"), parameters.WithDefault([]string{})),
			),
		),
	}, nil
}

func (c *fetchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &fetchSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	table, query, err := fetchRequest(settings)
	if err != nil {
		return err
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

	tables, err := bfg.FetchCollection(ctx, table, query)
	if err != nil {
		return err
	}
	printed := writeKeys(os.Stdout, tables, table, settings.Key)
	logger.Info("collection fetched", "table", table, "rows", len(tables[table]), "printed", printed)
	return nil
}

// fetchRequest validates the fetch flags before any config is read.
func fetchRequest(settings *fetchSettings) (string, collection.Query, error) {
	table := strings.TrimSpace(settings.Table)
	if table == "" {
		return "", collection.Query{}, fmt.Errorf("--table is required")
	}
	filters, err := parseFilters(settings.Filters)
	if err != nil {
		return "", collection.Query{}, err
	}
	return table, collection.Query{
		Filters: filters,
		OrderBy: normalizeInputTokens(settings.OrderBy),
	}, nil
}

var _ cmds.BareCommand = &fetchGlazedCommand{}

type myUsersGlazedCommand struct {
	*cmds.CommandDescription
}

type myUsersSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
}

func newMyUsersGlazedCommand() (*myUsersGlazedCommand, error) {
	return &myUsersGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"my-users",
			cmds.WithShort("List users sharing a group with the logged-in user"),
			cmds.WithLong("Print the ids of users in the logged-in user's groups. Members of the service group get an empty list."),
			platformFlags(),
		),
	}, nil
}

func (c *myUsersGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &myUsersSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
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

	users, err := bfg.UsersOfMyGroup(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No group filter (service group member)")
		return nil
	}
	for _, id := range users {
		fmt.Println(id)
	}
	return nil
}

var _ cmds.BareCommand = &myUsersGlazedCommand{}

type ordersGlazedCommand struct {
	*cmds.CommandDescription
}

type ordersSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
	PlanID   int    `glazed.parameter:"plan"`
	Key      string `glazed.parameter:"key"`
}

func newOrdersGlazedCommand() (*ordersGlazedCommand, error) {
	return &ordersGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"orders",
			cmds.WithShort("List the orders of a plan"),
			platformFlags(
				parameters.NewParameterDefinition("plan", parameters.ParameterTypeInteger, parameters.WithHelp("Plan id"), parameters.WithDefault(0)),
				parameters.NewParameterDefinition("key", parameters.ParameterTypeString, parameters.WithHelp("Field to print for every order"), parameters.WithDefault("name")),
			),
		),
	}, nil
}

func (c *ordersGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &ordersSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.PlanID <= 0 {
		return fmt.Errorf("--plan is required")
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

	orders, err := bfg.Orders(ctx, int64(settings.PlanID))
	if err != nil {
		return err
	}
	writeKeys(os.Stdout, model.Tables{"order": orders}, "order", settings.Key)
	return nil
}

var _ cmds.BareCommand = &ordersGlazedCommand{}

type specGlazedCommand struct {
	*cmds.CommandDescription
}

type specSettings struct {
	Config   string `glazed.parameter:"config"`
	LogLevel string `glazed.parameter:"log-level"`
	EntityID int    `glazed.parameter:"entity"`
}

func newSpecGlazedCommand() (*specGlazedCommand, error) {
	return &specGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"spec",
			cmds.WithShort("Print the direct components of an entity"),
			cmds.WithLong("Print child entity id and amount for every specification item of the entity."),
			platformFlags(
				parameters.NewParameterDefinition("entity", parameters.ParameterTypeInteger, parameters.WithHelp("Parent entity id"), parameters.WithDefault(0)),
			),
		),
	}, nil
}

func (c *specGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &specSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.EntityID <= 0 {
		return fmt.Errorf("--entity is required")
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

	spec, err := bfg.Spec(ctx, int64(settings.EntityID))
	if err != nil {
		return err
	}
	writeSpec(os.Stdout, spec)
	return nil
}

var _ cmds.BareCommand = &specGlazedCommand{}

type lastDepartmentGlazedCommand struct {
	*cmds.CommandDescription
}

type lastDepartmentSettings struct {
	Config      string   `glazed.parameter:"config"`
	LogLevel    string   `glazed.parameter:"log-level"`
	EntityID    int      `glazed.parameter:"entity"`
	Departments []string `glazed.parameter:"department"`
}

func newLastDepartmentGlazedCommand() (*lastDepartmentGlazedCommand, error) {
	return &lastDepartmentGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"last-department",
			cmds.WithShort("Print the department of the last routing operation of an entity"),
			cmds.WithLong("Resolve the department identity of the highest-numbered operation in the entity's routing, limited to the given departments."),
			platformFlags(
				parameters.NewParameterDefinition("entity", parameters.ParameterTypeInteger, parameters.WithHelp("Entity id"), parameters.WithDefault(0)),
				parameters.NewParameterDefinition("department", parameters.ParameterTypeStringList, parameters.WithHelp("Allowed department identity (repeatable, or comma-separated; empty allows all)"), parameters.WithDefault([]string{})),
			),
		),
	}, nil
}

func (c *lastDepartmentGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &lastDepartmentSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if settings.EntityID <= 0 {
		return fmt.Errorf("--entity is required")
	}
	filter := collection.AllDepartments
	if departments := normalizeInputTokens(settings.Departments); len(departments) > 0 {
		filter = collection.Departments(departments...)
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

	department, err := bfg.LastDepartment(ctx, filter, int64(settings.EntityID))
	if err != nil {
		return err
	}
	fmt.Println(department)
	return nil
}

var _ cmds.BareCommand = &lastDepartmentGlazedCommand{}
