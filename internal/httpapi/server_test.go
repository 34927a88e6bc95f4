package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fellbythecoop/worms-scheduling/internal/assign"
	"github.com/fellbythecoop/worms-scheduling/internal/capacity"
	"github.com/fellbythecoop/worms-scheduling/internal/conflict"
	"github.com/fellbythecoop/worms-scheduling/internal/engine"
	"github.com/fellbythecoop/worms-scheduling/internal/notify"
	"github.com/fellbythecoop/worms-scheduling/internal/storage"
	"github.com/fellbythecoop/worms-scheduling/internal/utilization"
	logx "github.com/fellbythecoop/worms-scheduling/pkg/logx"
)

type fixture struct {
	srv      *Server
	store    *storage.Memory
	notifier *notify.Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	notifier := notify.New(logx.Nop())
	eng := engine.New(store, notifier, logx.Nop())
	orch := assign.NewOrchestrator(store, eng, notifier, logx.Nop())
	adv := conflict.NewAdvisor(store, notifier, logx.Nop())
	agg := utilization.NewAggregator(store)

	ctx := context.Background()
	mustCreateTech := func(tech storage.Technician) {
		if _, err := store.CreateTechnician(ctx, tech); err != nil {
			t.Fatalf("seed technician: %v", err)
		}
	}
	mustCreateTech(storage.Technician{ID: "tech-dana", Name: "Dana", Role: storage.RoleTechnician, Active: true})
	mustCreateTech(storage.Technician{ID: "tech-lee", Name: "Lee", Role: storage.RoleLead, Active: true})
	if _, err := store.CreateJob(ctx, storage.Job{ID: "job-1", JobNumber: "J-1001", Title: "Compressor swap"}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	return &fixture{
		srv:      New(store, orch, adv, agg, notifier, logx.Nop()),
		store:    store,
		notifier: notifier,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeInto[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeInto[errorBody](t, rr).Error.Kind
}

func TestCreateSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/schedules",
		`{"technicianId": "tech-dana", "date": "2026-03-02", "availableHours": 6}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeInto[scheduleView](t, rr)
	if got.ID == "" || got.Day != "2026-03-02" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.AvailableHours.Equal(decimal.NewFromInt(6)) || !got.IsAvailable {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if got.UtilizationStatus != capacity.StatusUnder || got.UtilizationPercentage != 0 {
		t.Fatalf("derived fields wrong: %+v", got)
	}

	// Second record for the same key must be refused.
	rr = f.do(t, http.MethodPost, "/schedules",
		`{"technicianId": "tech-dana", "date": "2026-03-02"}`)
	if rr.Code != http.StatusConflict || errorKind(t, rr) != kindConflict {
		t.Fatalf("duplicate: status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestCreateScheduleRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{"unknown technician", `{"technicianId": "tech-nope", "date": "2026-03-02"}`, http.StatusNotFound, kindNotFound},
		{"missing technician", `{"date": "2026-03-02"}`, http.StatusBadRequest, kindValidation},
		{"bad date", `{"technicianId": "tech-dana", "date": "March 2nd"}`, http.StatusBadRequest, kindValidation},
		{"negative hours", `{"technicianId": "tech-dana", "date": "2026-03-02", "availableHours": -1}`, http.StatusBadRequest, kindValidation},
		{"unknown field", `{"technicianId": "tech-dana", "date": "2026-03-02", "color": "red"}`, http.StatusBadRequest, kindValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/schedules", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if got := errorKind(t, rr); got != tt.wantKind {
				t.Fatalf("kind = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestListSchedulesFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seed := []capacity.Record{
		{TechnicianID: "tech-dana", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), ScheduledHours: decimal.NewFromInt(9), IsAvailable: true},
		{TechnicianID: "tech-dana", Day: "2026-03-03", AvailableHours: decimal.NewFromInt(8), ScheduledHours: decimal.NewFromInt(4), IsAvailable: true},
		{TechnicianID: "tech-lee", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), IsAvailable: false},
	}
	for _, rec := range seed {
		if _, err := f.store.CreateCapacity(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by technician", "?technicianId=tech-dana", 2},
		{"by range", "?startDate=2026-03-03&endDate=2026-03-03", 1},
		{"unavailable only", "?isAvailable=false", 1},
		{"overallocated only", "?utilizationStatus=over", 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/schedules"+tt.query, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if got := decodeInto[[]scheduleView](t, rr); len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	rr := f.do(t, http.MethodGet, "/schedules?utilizationStatus=busy", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: status = %d", rr.Code)
	}
}

func TestTechnicianRangeRequiresDates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/schedules/technician/tech-dana?startDate=2026-03-02", "")
	if rr.Code != http.StatusBadRequest || errorKind(t, rr) != kindValidation {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/schedules/technician/tech-dana?startDate=2026-03-02&endDate=2026-03-06", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := decodeInto[[]scheduleView](t, rr); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}
}

func TestPatchSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.store.CreateCapacity(ctx, capacity.Record{TechnicianID: "tech-dana", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), IsAvailable: true})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := f.store.CreateCapacity(ctx, capacity.Record{TechnicianID: "tech-dana", Day: "2026-03-03", AvailableHours: decimal.NewFromInt(8), IsAvailable: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPatch, "/schedules/"+a.ID, `{"availableHours": 4, "notes": "half day"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeInto[scheduleView](t, rr)
	if !got.AvailableHours.Equal(decimal.NewFromInt(4)) || got.Notes != "half day" {
		t.Fatalf("patch not applied: %+v", got)
	}

	// Moving a onto b's key must be refused.
	rr = f.do(t, http.MethodPatch, "/schedules/"+a.ID, `{"date": "2026-03-03"}`)
	if rr.Code != http.StatusConflict || errorKind(t, rr) != kindConflict {
		t.Fatalf("key collision: status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPatch, "/schedules/missing", `{"notes": "x"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing id: status = %d", rr.Code)
	}
}

func TestDeleteSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, err := f.store.CreateCapacity(context.Background(), capacity.Record{TechnicianID: "tech-dana", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), IsAvailable: true})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodDelete, "/schedules/"+rec.ID, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodDelete, "/schedules/"+rec.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d", rr.Code)
	}
}

func TestScheduledHoursByKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/schedules/technician/tech-dana/scheduled-hours",
		`{"date": "2026-03-02", "scheduledHours": 5.5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeInto[scheduleView](t, rr)
	if !got.ScheduledHours.Equal(decimal.NewFromFloat(5.5)) {
		t.Fatalf("scheduledHours = %s", got.ScheduledHours)
	}
	if !got.AvailableHours.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("fresh record should default available hours, got %s", got.AvailableHours)
	}

	rr = f.do(t, http.MethodPost, "/schedules/technician/tech-nope/scheduled-hours",
		`{"date": "2026-03-02", "scheduledHours": 1}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown technician: status = %d", rr.Code)
	}
}

func TestScheduledHoursByID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, err := f.store.CreateCapacity(context.Background(), capacity.Record{TechnicianID: "tech-dana", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), IsAvailable: true})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPatch, "/schedules/"+rec.ID+"/scheduled-hours", `{"scheduledHours": 7}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeInto[scheduleView](t, rr)
	if !got.ScheduledHours.Equal(decimal.NewFromInt(7)) || got.ID != rec.ID {
		t.Fatalf("unexpected record: %+v", got)
	}

	rr = f.do(t, http.MethodPatch, "/schedules/"+rec.ID+"/scheduled-hours", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing hours: status = %d", rr.Code)
	}
}

func TestAssignJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/jobs/job-1/assign",
		`{"technicianId": "tech-dana", "scheduledDate": "2026-03-02", "estimatedHours": 3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	res := decodeInto[assign.Result](t, rr)
	if res.Job.AssignedTo != "tech-dana" || res.Job.ScheduledDay != "2026-03-02" {
		t.Fatalf("job not assigned: %+v", res.Job)
	}
	// Recalculation overwrites the supplied estimate with the even split.
	if !res.Job.EstimatedHours.Valid || !res.Job.EstimatedHours.Decimal.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("estimate = %+v, want 8", res.Job.EstimatedHours)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings should be empty, got %v", res.Warnings)
	}

	rec, err := f.store.GetCapacityByKey(context.Background(), "tech-dana", "2026-03-02")
	if err != nil {
		t.Fatalf("capacity record missing: %v", err)
	}
	if !rec.ScheduledHours.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("scheduledHours = %s, want 8", rec.ScheduledHours)
	}
}

func TestAssignJobRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{"missing technician", "/jobs/job-1/assign", `{"scheduledDate": "2026-03-02"}`, http.StatusBadRequest, kindValidation},
		{"unknown technician", "/jobs/job-1/assign", `{"technicianId": "tech-nope"}`, http.StatusNotFound, kindNotFound},
		{"unknown job", "/jobs/job-nope/assign", `{"technicianId": "tech-dana", "scheduledDate": "2026-03-02"}`, http.StatusNotFound, kindNotFound},
		{"bad date", "/jobs/job-1/assign", `{"technicianId": "tech-dana", "scheduledDate": "soon"}`, http.StatusBadRequest, kindValidation},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if got := errorKind(t, rr); got != tt.wantKind {
				t.Fatalf("kind = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestCheckConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.CreateCapacity(ctx, capacity.Record{
		TechnicianID:   "tech-dana",
		Day:            "2026-03-02",
		AvailableHours: decimal.NewFromInt(8),
		ScheduledHours: decimal.NewFromInt(6),
		IsAvailable:    true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := f.do(t, http.MethodPost, "/jobs/job-1/check-conflicts",
		`{"technicianId": "tech-dana", "scheduledDate": "2026-03-02", "estimatedHours": 5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeInto[struct {
		Warnings []conflict.Warning `json:"warnings"`
	}](t, rr)
	if len(got.Warnings) != 1 {
		t.Fatalf("warnings = %v", got.Warnings)
	}
	w := got.Warnings[0]
	if w.Severity != conflict.SeverityError || w.NewUtilization != 138 || w.CurrentUtilization != 75 {
		t.Fatalf("unexpected warning: %+v", w)
	}

	// The check must not have mutated the stored record.
	rec, err := f.store.GetCapacityByKey(ctx, "tech-dana", "2026-03-02")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.ScheduledHours.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("record mutated: %s", rec.ScheduledHours)
	}

	// Incomplete candidate (job carries no estimate) yields an empty list.
	rr = f.do(t, http.MethodPost, "/jobs/job-1/check-conflicts",
		`{"technicianId": "tech-dana", "scheduledDate": "2026-03-02"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got = decodeInto[struct {
		Warnings []conflict.Warning `json:"warnings"`
	}](t, rr)
	if len(got.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", got.Warnings)
	}
}

func TestUtilizationStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seed := []capacity.Record{
		{TechnicianID: "tech-dana", Day: "2026-03-02", AvailableHours: decimal.NewFromInt(8), ScheduledHours: decimal.NewFromInt(9), IsAvailable: true},
		{TechnicianID: "tech-dana", Day: "2026-03-03", AvailableHours: decimal.NewFromInt(8), ScheduledHours: decimal.NewFromInt(4), IsAvailable: true},
	}
	for _, rec := range seed {
		if _, err := f.store.CreateCapacity(ctx, rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rr := f.do(t, http.MethodGet, "/schedules/utilization/stats?technicianId=tech-dana", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	stats := decodeInto[utilization.Stats](t, rr)
	if stats.TotalSchedules != 2 || stats.OverallocatedCount != 1 || stats.UnderutilizedCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.TotalScheduledHours.Equal(decimal.NewFromInt(13)) {
		t.Fatalf("totalScheduledHours = %s", stats.TotalScheduledHours)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?topics=day:2026-03-02", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The subscription is registered inside the handler, so publish until the
	// stream yields an event.
	pubCtx, stopPub := context.WithCancel(ctx)
	defer stopPub()
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-pubCtx.Done():
				return
			case <-tick.C:
				f.notifier.CapacityUpdated(capacity.Record{
					TechnicianID:   "tech-dana",
					Day:            "2026-03-02",
					AvailableHours: decimal.NewFromInt(8),
					ScheduledHours: decimal.NewFromInt(8),
					IsAvailable:    true,
				})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
		if dataLine != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.Fatalf("scan: %v", err)
	}
	if eventLine != fmt.Sprintf("event: %s", notify.EventCapacityUpdate) {
		t.Fatalf("event line = %q", eventLine)
	}

	var ev notify.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != notify.EventCapacityUpdate {
		t.Fatalf("type = %q", ev.Type)
	}
}
