package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/db"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	IsAdmin  bool   `json:"is_admin"`
}

// tokenView is the login and refresh answer.
type tokenView struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int      `json:"expires_in"`
	Username    string   `json:"username"`
	IsAdmin     bool     `json:"is_admin"`
	Scopes      []string `json:"scopes"`
}

type userView struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	IsAdmin       bool       `json:"is_admin"`
	IsActive      bool       `json:"is_active"`
	AccountLocked bool       `json:"account_locked"`
	LastLogin     *time.Time `json:"last_login"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toUserView(u db.User) userView {
	return userView{
		ID:            u.ID,
		Username:      u.Username,
		IsAdmin:       u.IsAdmin,
		IsActive:      u.IsActive,
		AccountLocked: u.AccountLocked,
		LastLogin:     u.LastLogin,
		CreatedAt:     u.CreatedAt,
	}
}

func (s *Server) tokenView(session *auth.Session) tokenView {
	return tokenView{
		AccessToken: session.Token,
		TokenType:   "bearer",
		ExpiresIn:   session.ExpiresIn(s.Auth.Now()),
		Username:    session.Username,
		IsAdmin:     session.IsAdmin,
		Scopes:      session.Scopes,
	}
}

// login accepts form-encoded or JSON credentials.
func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, apperr.ErrInvalidRequest.WithDetail("username and password are required"))
		return
	}
	session, err := s.Auth.Issue(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, i18n.Get("LoginSucceeded"), s.tokenView(session))
}

func (s *Server) me(c *gin.Context) {
	ok(c, "", currentSession(c))
}

func (s *Server) refresh(c *gin.Context) {
	session, err := s.Auth.Refresh(currentSession(c).Token)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, i18n.Get("TokenRefreshed"), s.tokenView(session))
}

func (s *Server) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.ErrInvalidRequest.WithDetail("current_password and new_password are required"))
		return
	}
	if err := s.Auth.ChangePassword(c.Request.Context(), currentSession(c).UserID, req.CurrentPassword, req.NewPassword); err != nil {
		fail(c, err)
		return
	}
	ok(c, i18n.Get("PasswordChanged"), nil)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.Users.ListUsers(c.Request.Context())
	if err != nil {
		fail(c, apperr.ErrDatabaseUnavailable.Wrap(err))
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	ok(c, i18n.Get("UsersListed"), out)
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.ErrInvalidRequest.WithDetail("username and password are required"))
		return
	}
	u, err := s.Auth.CreateUser(c.Request.Context(), req.Username, req.Password, req.IsAdmin)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, msgf("UserCreated", u.Username), toUserView(*u))
}

func (s *Server) deleteUser(c *gin.Context) {
	username := c.Param("username")
	if username == currentSession(c).Username {
		fail(c, apperr.ErrInvalidRequest.WithDetail("cannot delete the signed-in account"))
		return
	}
	err := s.Users.DeleteUser(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) {
		fail(c, apperr.ErrUnknownUser.WithDetail("%s", username))
		return
	}
	if err != nil {
		fail(c, apperr.ErrDatabaseUnavailable.Wrap(err))
		return
	}
	ok(c, msgf("UserDeleted", username), nil)
}
