package transport

import (
	"context"
	"errors"
	"fmt"

	"bfgsync/internal/model"
)

type loginResponse struct {
	Data *struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"data"`
}

// Login authenticates the session with the configured credentials. The
// platform keeps the session in cookies, so later calls on the same
// Session are authenticated.
func (s *Session) Login(ctx context.Context) (model.User, error) {
	body := map[string]any{
		"data": map[string]string{
			"login":    s.login,
			"password": s.password,
		},
		"action": "login",
	}
	var response loginResponse
	err := s.Post(ctx, ActionPath("login"), body, &response)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return model.User{}, &AuthError{Login: s.login, StatusCode: statusErr.StatusCode, Err: err}
		}
		return model.User{}, &AuthError{Login: s.login, Err: err}
	}
	if response.Data == nil || response.Data.ID == 0 {
		return model.User{}, &AuthError{Login: s.login, Err: fmt.Errorf("login response has no user id")}
	}

	user := model.User{ID: response.Data.ID, Login: response.Data.Login, Name: response.Data.Name}
	if user.Login == "" {
		user.Login = s.login
	}
	s.logger.Info("logged in", "login", user.Login, "user_id", user.ID)
	return user, nil
}
