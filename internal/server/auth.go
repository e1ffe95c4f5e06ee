package server

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"librarian-go/internal/librarian"
	"librarian-go/internal/model"
)

type contextKey int

const userKey contextKey = 0

// authenticatedUser returns the account the request authenticated as.
func authenticatedUser(ctx context.Context) *model.User {
	u, _ := ctx.Value(userKey).(*model.User)
	return u
}

// requireAuth authenticates HTTP basic credentials against the user
// table and enforces a minimum permission tier. Peer librarians hold
// CALLBACK accounts whose username matches their librarian name.
func (s *Server) requireAuth(level model.AuthLevel, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			s.writeError(w, &librarian.HTTPError{
				Status:          http.StatusUnauthorized,
				Reason:          "authentication required",
				SuggestedRemedy: "supply HTTP basic credentials",
			})
			return
		}

		user, err := s.svc.Database().FindUserByName(username)
		if err != nil {
			s.logger.Error("looking up user", "username", username, "error", err)
			s.writeError(w, &librarian.HTTPError{Status: http.StatusInternalServerError, Reason: "authentication failed"})
			return
		}
		if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			s.writeError(w, &librarian.HTTPError{
				Status: http.StatusUnauthorized,
				Reason: "bad credentials",
			})
			return
		}
		if user.AuthLevel < level {
			s.writeError(w, &librarian.HTTPError{
				Status:          http.StatusForbidden,
				Reason:          "insufficient permissions",
				SuggestedRemedy: "this endpoint needs a higher permission tier",
			})
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}
