package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"studycal/internal/calendar"
	"studycal/internal/config"
	"studycal/internal/layout"
	appLog "studycal/internal/log"
	"studycal/internal/model"
	"studycal/internal/recur"
	"studycal/internal/series"
)

// maxBodyBytes bounds request bodies on write endpoints.
const maxBodyBytes = 1 << 20

// Persister applies a mutation to the calendar and whatever backs it.
type Persister interface {
	Apply(ctx context.Context, m series.Mutation) (series.Mutation, error)
}

// Server provides the HTTP API over one calendar.
type Server struct {
	cfg     *config.Config
	cal     *calendar.Calendar
	persist Persister
	mux     *http.ServeMux
	loc     *time.Location

	now func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, cal *calendar.Calendar, persist Persister) *Server {
	s := &Server{
		cfg:     cfg,
		cal:     cal,
		persist: persist,
		mux:     http.NewServeMux(),
		loc:     cal.Location(),
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Half-configured credentials disable auth rather than lock everyone out.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="StudyCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/layout", s.handleLayout)
	s.mux.HandleFunc("GET /api/series", s.handleListSeries)
	s.mux.HandleFunc("POST /api/series", s.handleCreateSeries)
	s.mux.HandleFunc("PATCH /api/instances/{id}", s.handleEditInstance)
	s.mux.HandleFunc("DELETE /api/instances/{id}", s.handleDeleteInstance)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Instances       []instanceDTO `json:"instances"`
	TruncatedSeries []string      `json:"truncated_series,omitempty"`
	RangeStart      time.Time     `json:"range_start"`
	RangeEnd        time.Time     `json:"range_end"`
	Timezone        string        `json:"timezone"`
}

// instanceDTO is a JSON-friendly view of an EventInstance.
type instanceDTO struct {
	ID          string    `json:"id"`
	SeriesID    string    `json:"series_id"`
	IsRecurring bool      `json:"is_recurring"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Category    string    `json:"category,omitempty"`
	Color       string    `json:"color,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Energy      int       `json:"energy,omitempty"`
	Importance  int       `json:"importance,omitempty"`
	AllDay      bool      `json:"all_day"`
}

func toInstanceDTO(inst model.EventInstance) instanceDTO {
	return instanceDTO{
		ID:          inst.ID,
		SeriesID:    inst.OriginalID,
		IsRecurring: inst.IsRecurring,
		Start:       inst.Start,
		End:         inst.End,
		Title:       inst.Title,
		Description: inst.Description,
		Location:    inst.Location,
		Category:    inst.Category,
		Color:       inst.Color,
		Tags:        inst.Tags,
		Energy:      inst.Energy,
		Importance:  inst.Importance,
		AllDay:      inst.AllDay,
	}
}

// layoutResponse is the JSON response shape for /api/layout.
type layoutResponse struct {
	Days       []dayDTO  `json:"days"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	Timezone   string    `json:"timezone"`
}

type dayDTO struct {
	Date      string          `json:"date"`
	Instances []positionedDTO `json:"instances"`
}

type positionedDTO struct {
	instanceDTO
	layout.Assignment
}

// mutationResponse reports what an edit, delete or create changed.
type mutationResponse struct {
	Upserted []model.RawEvent `json:"upserted"`
	Deleted  []string         `json:"deleted"`
	Dropped  []string         `json:"dropped,omitempty"`
}

func toMutationResponse(m series.Mutation, dropped []string) mutationResponse {
	resp := mutationResponse{
		Upserted: make([]model.RawEvent, 0, len(m.Upserts)),
		Deleted:  append([]string{}, m.Deletes...),
		Dropped:  dropped,
	}
	for _, rec := range m.Upserts {
		resp.Upserted = append(resp.Upserted, rec.ToRaw())
	}
	return resp
}

// handleEvents returns expanded instances within a requested window.
//
// GET /api/events?start=2024-03-04&end=2024-03-10T23:59
//
// Both bounds are inclusive. Without parameters the window is the current
// week, starting on the configured week_start day.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start, end, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	res, err := s.cal.Query(start, end)
	if err != nil {
		s.queryError(w, err)
		return
	}

	dtos := make([]instanceDTO, 0, len(res.Instances))
	for _, inst := range res.Instances {
		dtos = append(dtos, toInstanceDTO(inst))
	}

	appLog.Debug("api events request",
		"range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339),
		"instances", len(dtos),
	)

	writeJSON(w, http.StatusOK, eventsResponse{
		Instances:       dtos,
		TruncatedSeries: res.TruncatedSeries,
		RangeStart:      start,
		RangeEnd:        end,
		Timezone:        s.loc.String(),
	})
}

// handleLayout returns the window's instances grouped by day with their
// column positions.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	start, end, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	res, err := s.cal.Query(start, end)
	if err != nil {
		s.queryError(w, err)
		return
	}

	days := layout.Bucket(res.Instances, s.loc)

	// Days are independent, lay them out in parallel.
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range days {
		g.Go(func() error {
			days[i].Columns = layout.Columns(days[i].Instances)
			return nil
		})
	}
	_ = g.Wait()

	resp := layoutResponse{
		Days:       make([]dayDTO, 0, len(days)),
		RangeStart: start,
		RangeEnd:   end,
		Timezone:   s.loc.String(),
	}
	for _, d := range days {
		dd := dayDTO{
			Date:      d.Date.String(),
			Instances: make([]positionedDTO, 0, len(d.Instances)),
		}
		for _, inst := range d.Instances {
			dd.Instances = append(dd.Instances, positionedDTO{
				instanceDTO: toInstanceDTO(inst),
				Assignment:  d.Columns[inst.ID],
			})
		}
		resp.Days = append(resp.Days, dd)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSeries(w http.ResponseWriter, _ *http.Request) {
	records := s.cal.Records()
	out := make([]model.RawEvent, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ToRaw())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateSeries stores a new record, standalone or recurring. An empty
// id is assigned. Malformed optional timestamps are dropped and reported;
// a record without a usable start and end is rejected.
func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var raw model.RawEvent
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw.ID == "" {
		raw.ID = uuid.NewString()
	}

	rec, dropped := raw.Hydrate(s.loc)
	if !rec.Valid() {
		writeError(w, http.StatusBadRequest, "start and end must be valid timestamps")
		return
	}
	if !rec.End.After(rec.Start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}
	if _, exists := s.cal.Get(rec.ID); exists {
		writeError(w, http.StatusConflict, "event already exists")
		return
	}

	applied, err := s.persist.Apply(r.Context(), series.Mutation{Upserts: []model.EventRecord{rec}})
	if err != nil {
		appLog.Error("api create series failed", err, "id", rec.ID)
		writeError(w, http.StatusInternalServerError, "failed to save event")
		return
	}
	writeJSON(w, http.StatusCreated, toMutationResponse(applied, dropped))
}

type editRequest struct {
	Scope string       `json:"scope"`
	Patch series.Patch `json:"patch"`
}

// handleEditInstance applies a patch to one instance (scope "this") or to
// it and every later instance of its series (scope "future").
func (s *Server) handleEditInstance(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := series.ParseScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	res, err := s.cal.Edit(id, scope, req.Patch)
	if err != nil {
		s.lookupError(w, id, err)
		return
	}

	applied, err := s.persist.Apply(r.Context(), res.Mutation)
	if err != nil {
		appLog.Error("api edit instance failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save changes")
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(applied, res.Dropped))
}

// handleDeleteInstance removes one instance or it and every later one.
//
// DELETE /api/instances/{id}?scope=this|future
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	scope, err := series.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	m, err := s.cal.Delete(id, scope)
	if err != nil {
		s.lookupError(w, id, err)
		return
	}

	applied, err := s.persist.Apply(r.Context(), m)
	if err != nil {
		appLog.Error("api delete instance failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save changes")
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(applied, nil))
}

// parseWindow reads the start/end query parameters. On failure it writes a
// 400 response and returns ok=false.
func (s *Server) parseWindow(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	start, end = s.currentWeek()

	if v := q.Get("start"); v != "" {
		t, err := model.ParseTime(v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return time.Time{}, time.Time{}, false
		}
		start = t
		end = start.AddDate(0, 0, 7).Add(-time.Nanosecond)
	}
	if v := q.Get("end"); v != "" {
		t, err := model.ParseTime(v, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return time.Time{}, time.Time{}, false
		}
		if isDateOnly(v) {
			// A bare date includes that whole day.
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		end = t
	}
	if end.Sub(start) > s.maxWindow() {
		writeError(w, http.StatusBadRequest, "window too long")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (s *Server) maxWindow() time.Duration {
	if s.cfg == nil {
		return config.DefaultConfig().MaxWindow()
	}
	return s.cfg.MaxWindow()
}

// currentWeek returns the inclusive bounds of the week containing now.
func (s *Server) currentWeek() (time.Time, time.Time) {
	now := s.now().In(s.loc)
	first := time.Monday
	if s.cfg != nil {
		first = s.cfg.FirstWeekday()
	}
	offset := (int(now.Weekday()) - int(first) + 7) % 7
	start := model.DateOf(now).AddDays(-offset).In(s.loc)
	end := start.AddDate(0, 0, 7).Add(-time.Nanosecond)
	return start, end
}

func isDateOnly(v string) bool {
	_, err := time.Parse(time.DateOnly, v)
	return err == nil
}

func (s *Server) queryError(w http.ResponseWriter, err error) {
	if errors.Is(err, recur.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, "end must not be before start")
		return
	}
	appLog.Error("api query failed", err)
	writeError(w, http.StatusInternalServerError, "failed to expand events")
}

func (s *Server) lookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, calendar.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	appLog.Error("api lookup failed", err, "id", id)
	writeError(w, http.StatusInternalServerError, "failed to resolve event")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
