// Package httpapi implements Jasmin's HTTP admission surface: the /send,
// /rate, /balance, /ping, /dlr/{id} endpoints clients use to submit
// messages and query account state, plus an admin CRUD surface over UCS
// users/groups and SCM connectors, per spec.md §6.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/route"
	"github.com/jasmin-go/jasmin/internal/router"
	"github.com/jasmin-go/jasmin/internal/scm"
	"github.com/jasmin-go/jasmin/internal/ucs"
)

// API holds every collaborator the HTTP surface dispatches to. SCM is
// optional: a deployment that only runs the admission surface against an
// already-provisioned set of connectors can leave it nil, which disables
// the admin connector endpoints (they respond 501).
type API struct {
	Core   *router.Core
	Users  *ucs.Store
	Routes *route.Manager
	Hot    *hs.Store
	SCM    *scm.Manager

	// AdminJWTSecret is the HS256 key for /secure bearer tokens; empty
	// leaves the admin surface open for proxy-terminated deployments
	// (see adminAuth).
	AdminJWTSecret string
}

// New builds an API and its chi.Router, wired the way the teacher's
// platform/api package wires its Handlers: a struct of collaborators, a
// thin per-resource method on each, middleware applied once at the root.
func New(a *API) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/ping", a.Ping)
	r.Post("/send", a.Send)
	r.Get("/send", a.Send)
	r.Get("/rate", a.Rate)
	r.Get("/balance", a.Balance)
	r.Get("/dlr/{id}", a.DLRStatus)

	r.Route("/secure", func(sr chi.Router) {
		sr.Use(a.adminAuth)
		sr.Route("/user", func(ur chi.Router) {
			ur.Get("/", a.ListUsers)
			ur.Post("/", a.CreateUser)
			ur.Get("/{id}", a.GetUser)
			ur.Delete("/{id}", a.DeleteUser)
			ur.Post("/{id}/quota", a.UpdateUserQuota)
		})
		sr.Route("/group", func(gr chi.Router) {
			gr.Get("/", a.ListGroups)
			gr.Post("/", a.CreateGroup)
			gr.Delete("/{id}", a.DeleteGroup)
			gr.Put("/{id}/enable", a.EnableGroup)
			gr.Put("/{id}/disable", a.DisableGroup)
		})
		sr.Route("/connector", func(cr chi.Router) {
			cr.Get("/", a.ListConnectors)
			cr.Get("/{id}", a.GetConnector)
			cr.Post("/{id}/start", a.StartConnector)
			cr.Post("/{id}/stop", a.StopConnector)
		})
	})

	return r
}

// Ping implements GET /ping: a literal "Jasmin/PONG" 200 body, used by the
// original daemon's liveness probe (spec.md §6).
func (a *API) Ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Jasmin/PONG"))
}
