package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/MagnunAVF/link-shortener/internal"
	"github.com/MagnunAVF/link-shortener/internal/auth"
	applog "github.com/MagnunAVF/link-shortener/internal/logger"
)

const principalKey = "principal"

type server struct {
	links     *internal.LinkService
	auth      *auth.Service
	appDomain string
}

type shortenRequest struct {
	OriginalURL string     `json:"original_url"`
	CustomAlias string     `json:"custom_alias"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type updateRequest struct {
	NewURL string `json:"new_url"`
}

type linkResponse struct {
	*internal.Link
	ShortURL string `json:"short_url"`
}

func newApp(s *server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "link-shortener",
		ErrorHandler: errorHandler,
		// Values read from the request outlive the handler in click events.
		Immutable: true,
	})
	app.Use(requestid.New())
	app.Use(applog.FiberMiddleware())
	app.Use(recover.New())
	app.Use(cors.New())

	a := app.Group("/auth")
	a.Post("/register", s.handleRegister)
	a.Post("/token", s.handleToken)
	a.Post("/logout", s.handleLogout)

	links := app.Group("/links", s.resolvePrincipal)
	links.Post("/", s.handleShorten)
	links.Post("/shorten", s.handleShorten)
	links.Get("/search", s.handleSearch)
	links.Get("/:code/stats", s.handleStats)
	links.Get("/:code", s.handleRedirect)
	links.Put("/:code", s.handleUpdate)
	links.Delete("/:code", s.handleDelete)

	return app
}

// errorHandler maps domain errors onto HTTP statuses. Anything unrecognised
// is a 500 and its detail stays in the logs.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.Is(err, internal.ErrValidation), errors.Is(err, internal.ErrConflict):
		code, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, internal.ErrUnauthenticated):
		code, msg = fiber.StatusUnauthorized, err.Error()
	case errors.Is(err, internal.ErrForbidden):
		code, msg = fiber.StatusForbidden, err.Error()
	case errors.Is(err, internal.ErrNotFound):
		code, msg = fiber.StatusNotFound, err.Error()
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

// resolvePrincipal attaches the bearer token's principal, if any. Bad or
// revoked tokens leave the request anonymous; handlers that need an owner
// reject it later.
func (s *server) resolvePrincipal(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Next()
	}
	p, err := s.auth.Resolve(c.UserContext(), token)
	if err != nil {
		applog.FromContext(c.UserContext()).Warn("token resolution failed", "err", err)
	}
	if p != nil {
		c.Locals(principalKey, p)
	}
	return c.Next()
}

func principalFrom(c *fiber.Ctx) *internal.Principal {
	p, _ := c.Locals(principalKey).(*internal.Principal)
	return p
}

func bearerToken(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func countryOf(c *fiber.Ctx) string {
	if v := c.Get("CF-IPCountry"); v != "" {
		return v
	}
	return c.Get("X-Country-Code")
}

func (s *server) toResponse(link *internal.Link) linkResponse {
	return linkResponse{Link: link, ShortURL: s.appDomain + "/links/" + link.ShortCode}
}

func badBody(err error) error {
	return fmt.Errorf("%w: malformed request body: %v", internal.ErrValidation, err)
}

func (s *server) handleRegister(c *fiber.Ctx) error {
	var cred auth.Credentials
	if err := c.BodyParser(&cred); err != nil {
		return badBody(err)
	}
	p, err := s.auth.Register(c.UserContext(), cred)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *server) handleToken(c *fiber.Ctx) error {
	var cred auth.Credentials
	if err := c.BodyParser(&cred); err != nil {
		return badBody(err)
	}
	p, err := s.auth.Authenticate(c.UserContext(), cred.Username, cred.Password)
	if err != nil {
		return err
	}
	token, err := s.auth.IssueToken(c.UserContext(), p)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"access_token": token, "token_type": "bearer"})
}

func (s *server) handleLogout(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return internal.ErrUnauthenticated
	}
	if err := s.auth.Revoke(c.UserContext(), token); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (s *server) handleShorten(c *fiber.Ctx) error {
	var req shortenRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(err)
	}
	link, err := s.links.Shorten(c.UserContext(), internal.ShortenInput{
		OriginalURL: req.OriginalURL,
		CustomAlias: req.CustomAlias,
		ExpiresAt:   req.ExpiresAt,
	}, principalFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(s.toResponse(link))
}

func (s *server) handleSearch(c *fiber.Ctx) error {
	link, err := s.links.Search(c.UserContext(), c.Query("original_url"))
	if err != nil {
		return err
	}
	return c.JSON(s.toResponse(link))
}

func (s *server) handleRedirect(c *fiber.Ctx) error {
	target, err := s.links.Resolve(c.UserContext(), c.Params("code"), internal.ClickMeta{
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Country:   countryOf(c),
	})
	if err != nil {
		return err
	}
	return c.Redirect(safeLocation(target), fiber.StatusTemporaryRedirect)
}

// safeLocation percent-escapes control bytes so a stored target can never
// break out of the Location header.
func safeLocation(target string) string {
	if strings.IndexFunc(target, func(r rune) bool { return r < 0x20 || r == 0x7f }) < 0 {
		return target
	}
	var sb strings.Builder
	sb.Grow(len(target) + 8)
	for i := 0; i < len(target); i++ {
		if c := target[i]; c < 0x20 || c == 0x7f {
			fmt.Fprintf(&sb, "%%%02X", c)
			continue
		}
		sb.WriteByte(target[i])
	}
	return sb.String()
}

func (s *server) handleStats(c *fiber.Ctx) error {
	st, err := s.links.Stats(c.UserContext(), c.Params("code"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *server) handleUpdate(c *fiber.Ctx) error {
	p := principalFrom(c)
	if p == nil {
		return internal.ErrUnauthenticated
	}
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(err)
	}
	link, err := s.links.Update(c.UserContext(), c.Params("code"), req.NewURL, p)
	if err != nil {
		return err
	}
	return c.JSON(s.toResponse(link))
}

func (s *server) handleDelete(c *fiber.Ctx) error {
	if err := s.links.Delete(c.UserContext(), c.Params("code"), principalFrom(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}
