package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openbenchlab/psuwatch/internal/types"
)

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	if !s.authService.Enabled() {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("AUTH_503",
			"Authentication not configured", "no operator password hash in configuration"))
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !s.validateCommand(c, cmdLogin, &req) {
		return
	}

	token, err := s.authService.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Login failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
