// Package admin implements the underwriter's administrative HTTP
// surface (spec.md §6 "Admin HTTP"): POST /enableUnderwriting and
// POST /disableUnderwriting, each optionally scoped to a subset of
// chain ids.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/julienschmidt/httprouter"
)

// Command names the two admin operations (spec.md §4.8 "Admin
// commands"). The HTTP handlers below call Controller directly and do
// not use this type.
type Command int

const (
	Enable Command = iota
	Disable
)

// Controller receives admin commands, scoped to chainIDs (nil/empty
// meaning "every chain this controller fronts").
type Controller interface {
	SetUnderwritingEnabled(chainIDs []uint64, enabled bool)
}

// Server is the HTTP front-end. It holds no state itself; every
// request is forwarded to Controller.
type Server struct {
	router     *httprouter.Router
	controller Controller
	log        log.Logger
}

func New(controller Controller) *Server {
	s := &Server{
		router:     httprouter.New(),
		controller: controller,
		log:        log.New("component", "admin"),
	}
	s.router.POST("/enableUnderwriting", s.handle(true))
	s.router.POST("/disableUnderwriting", s.handle(false))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type request struct {
	ChainIDs []uint64 `json:"chainIds"`
}

func (s *Server) handle(enabled bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req request
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}
		s.controller.SetUnderwritingEnabled(req.ChainIDs, enabled)
		s.log.Info("admin command applied", "enabled", enabled, "chainIds", req.ChainIDs)
		w.WriteHeader(http.StatusNoContent)
	}
}
