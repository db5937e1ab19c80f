package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/huddle-app/huddle/coordinator"
	"github.com/huddle-app/huddle/events"
	"github.com/huddle-app/huddle/progress"
	"github.com/huddle-app/huddle/store"
	"github.com/huddle-app/huddle/token"
)

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func renderJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Server bundles what the HTTP surface needs: the durable store, the
// per-account coordinator hub, the credential issuer and the progress
// write limiter.
type Server struct {
	Store   *store.Store
	Hub     *coordinator.Hub
	Issuer  *token.Issuer
	Limiter *store.RateLimiter

	now func() time.Time
}

func NewServer(st *store.Store, hub *coordinator.Hub, issuer *token.Issuer, limiter *store.RateLimiter) *Server {
	return &Server{
		Store:   st,
		Hub:     hub,
		Issuer:  issuer,
		Limiter: limiter,
		now:     time.Now,
	}
}

// authenticate resolves the account from a Bearer credential. Every
// progress and history route requires it.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	tok, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found {
		return "", false
	}
	accountID, err := s.Issuer.Validate(tok, s.now())
	if err != nil {
		return "", false
	}
	return accountID, true
}

func Register(mux *http.ServeMux, s *Server) http.Handler {

	events.Server.CreateStream(events.StreamPlayback)
	events.Server.CreateStream(events.StreamPresence)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "Welcome to Huddle, the multi-device playback coordinator.\nYou can find the source code on <a href=\"https://github.com/huddle-app/huddle\">Github</a>\n")
	})

	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the base of Huddle's API")
	})

	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			renderJSONMessage(w, "That method is invalid for this endpoint")
			return
		}
		// The auth proxy in front of us resolves the user session and
		// forwards the account id. No header means no session.
		accountID := r.Header.Get("X-Account-Id")
		if accountID == "" {
			renderJSONError(w, http.StatusUnauthorized, "no authenticated account")
			return
		}
		issuedAt := s.now()
		tok, err := s.Issuer.Mint(accountID, issuedAt)
		if err != nil {
			renderJSONError(w, http.StatusInternalServerError, "token minting is not configured")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"token":             tok,
			"expiresAtEpochSec": issuedAt.Add(token.Validity).Unix(),
		})
	})

	mux.HandleFunc("/api/progress", s.handleProgress)

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := s.authenticate(r)
		if !ok {
			renderJSONError(w, http.StatusUnauthorized, "your request was not authorized")
			return
		}
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				renderJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		entries, err := s.Store.GetHistory(accountID, limit)
		if err != nil {
			renderJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if entries == nil {
			entries = []store.HistoryEntry{}
		}
		json.NewEncoder(w).Encode(entries)
	})

	mux.HandleFunc("/events", events.Server.ServeHTTP)

	mux.HandleFunc("/ws", s.Hub.ServeWS(s.Issuer))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Origin, Content-Type, Accept, Authorization"},
	})

	handler := c.Handler(mux)

	return handler
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.authenticate(r)
	if !ok {
		renderJSONError(w, http.StatusUnauthorized, "your request was not authorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getProgress(w, r, accountID)
	case http.MethodPost:
		s.postProgress(w, r, accountID)
	case http.MethodDelete:
		s.deleteProgress(w, r, accountID)
	default:
		renderJSONMessage(w, "That method is invalid for this endpoint")
	}
}

// getProgress always answers with an array: every record for the
// account, or zero-or-one when a key filter is present.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request, accountID string) {
	w.Header().Set("Content-Type", "application/json")
	key := keyFromQuery(r)
	if key == nil {
		records, err := s.Store.ListProgress(accountID)
		if err != nil {
			renderJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []progress.Record{}
		}
		json.NewEncoder(w).Encode(records)
		return
	}
	rec, err := s.Store.GetProgress(accountID, *key)
	if err != nil {
		renderJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records := []progress.Record{}
	if rec != nil {
		records = append(records, *rec)
	}
	json.NewEncoder(w).Encode(records)
}

func (s *Server) postProgress(w http.ResponseWriter, r *http.Request, accountID string) {
	if retryAfter, ok := s.Limiter.Allow(accountID); !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]int64{
			"retryAfterMs": retryAfter.Milliseconds(),
		})
		return
	}
	var rec progress.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		renderJSONError(w, http.StatusBadRequest, "failed to unmarshal request body")
		return
	}
	if rec.ImdbID == "" || rec.MediaType == "" {
		renderJSONError(w, http.StatusBadRequest, "a record key is required")
		return
	}
	if err := s.Store.UpsertProgress(accountID, rec); err != nil {
		renderJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	renderJSONMessage(w, "Operation was successfully executed")
}

// deleteProgress removes one record when a key filter is present, or
// every record for the account otherwise.
func (s *Server) deleteProgress(w http.ResponseWriter, r *http.Request, accountID string) {
	if err := s.Store.DeleteProgress(accountID, keyFromQuery(r)); err != nil {
		renderJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	renderJSONMessage(w, "Operation was successfully executed")
}

func keyFromQuery(r *http.Request) *progress.Key {
	qVal := r.URL.Query()
	if !qVal.Has("imdbId") {
		return nil
	}
	season, _ := strconv.Atoi(qVal.Get("season"))
	episode, _ := strconv.Atoi(qVal.Get("episode"))
	return &progress.Key{
		ImdbID:    qVal.Get("imdbId"),
		MediaType: qVal.Get("mediaType"),
		Season:    season,
		Episode:   episode,
	}
}
