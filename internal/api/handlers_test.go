package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/live"
	"example.com/attendance/internal/persistence/memory"
)

var rucker = geo.Coordinate{Lat: 40.8296, Lon: -73.9362}

func at(c geo.Coordinate) *LocationRequest {
	return &LocationRequest{Lat: &c.Lat, Lon: &c.Lon}
}

type apiFixture struct {
	mux *http.ServeMux
	hub *live.Hub
	now time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	store.Load(memory.Seed{
		Users: []memory.SeedUser{{ID: "u1", DisplayName: "Dee"}, {ID: "u2", DisplayName: "Sam"}},
		Gyms:  []memory.SeedGym{{ID: "g1", Name: "Rucker Park", Location: &rucker, CheckInRadiusMeters: 100}},
	})
	now := time.Date(2026, time.May, 1, 16, 0, 0, 0, time.UTC)
	hub := live.NewHub(zerolog.Nop())
	engine := attendance.NewEngine(store,
		attendance.WithClock(func() time.Time { return now }),
		attendance.WithNotifier(hub),
		attendance.WithLogger(zerolog.Nop()),
	)

	mux := http.NewServeMux()
	NewHandler(engine, hub, zerolog.Nop()).RegisterRoutes(mux)
	return &apiFixture{mux: mux, hub: hub, now: now}
}

func withClaims(r *http.Request, subject string, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   subject,
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, s := range scopes {
		claims.Scopes[s] = struct{}{}
	}
	return r.WithContext(auth.WithClaims(r.Context(), claims))
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, subject string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req = withClaims(req, subject, scopes...)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) user(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return f.do(t, method, path, body, "u1", auth.ScopeAttendanceRead, auth.ScopeAttendanceWrite)
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	decodeInto(t, rr, &body)
	return body
}

func TestCheckInAndOut(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp CheckInResponse
	decodeInto(t, rr, &resp)
	require.Equal(t, "u1_g1", resp.Presence.PresenceID)
	require.Equal(t, "ACTIVE", resp.Presence.Status)
	require.Equal(t, f.now.Add(180*time.Minute), resp.Presence.ExpiresAt)
	require.NotNil(t, resp.Award)
	require.Equal(t, 10, resp.Award.Delta)
	require.Nil(t, resp.MatchedSchedule)

	rr = f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)})
	require.Equal(t, http.StatusConflict, rr.Code)
	body := errorBody(t, rr)
	require.Equal(t, "conflict", body["type"])
	require.Equal(t, "g1", body["ref"])
	require.Contains(t, body["detail"], "Rucker Park")

	rr = f.user(t, http.MethodGet, "/v1/users/u1/presence", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.user(t, http.MethodGet, "/v1/gyms/g1/presences", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list PresenceListResponse
	decodeInto(t, rr, &list)
	require.Len(t, list.Items, 1)

	rr = f.user(t, http.MethodPost, "/v1/presences/check-out", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out PresenceView
	decodeInto(t, rr, &out)
	require.Equal(t, "CHECKED_OUT", out.Status)

	rr = f.user(t, http.MethodPost, "/v1/presences/check-out", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.user(t, http.MethodGet, "/v1/presences/u1_g1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestCheckInRejections(t *testing.T) {
	f := newAPIFixture(t)
	far := geo.Coordinate{Lat: rucker.Lat + 0.01, Lon: rucker.Lon}

	rr := f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(far)})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", errorBody(t, rr)["type"])

	rr = f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "nope", Location: at(rucker)})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{UserID: "u2", GymID: "g1", Location: at(rucker)})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)}, "u1", auth.ScopeAttendanceRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)}, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/presences/check-in", strings.NewReader(`{"gym":"g1"}`)), "u1", auth.ScopeAttendanceWrite)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", errorBody(t, rec)["type"])
}

func TestCheckInRequiresBothCoordinates(t *testing.T) {
	f := newAPIFixture(t)

	for body, detail := range map[string]string{
		`{"gym_id":"g1","location":{"lat":40.8296}}`: "location.lon is required",
		`{"gym_id":"g1","location":{"lon":-73.9362}}`: "location.lat is required",
		`{"gym_id":"g1","location":{}}`:               "location.lat and location.lon are required",
		`{"gym_id":"g1"}`:                             "location is required",
	} {
		req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/presences/check-in", strings.NewReader(body)), "u1", auth.ScopeAttendanceWrite)
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		resp := errorBody(t, rec)
		require.Equal(t, "validation_failed", resp["type"], body)
		require.Equal(t, detail, resp["detail"], body)
	}

	rr := f.user(t, http.MethodGet, "/v1/users/u1/presence", nil)
	require.Equal(t, http.StatusNotFound, rr.Code, "no presence was opened")
}

func TestPresenceHistoryPaginates(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)}).Code)
	require.Equal(t, http.StatusOK, f.user(t, http.MethodPost, "/v1/presences/check-out", nil).Code)

	rr := f.user(t, http.MethodGet, "/v1/users/u1/presences?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var page PresenceListResponse
	decodeInto(t, rr, &page)
	require.Len(t, page.Items, 1)

	rr = f.user(t, http.MethodGet, "/v1/users/u1/presences?cursor=@@@", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.user(t, http.MethodGet, "/v1/users/u2/presences", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/users/u2/presences", nil, "ops", auth.ScopeAttendanceAdmin)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	at := f.now.Add(2 * time.Hour)

	rr := f.user(t, http.MethodPost, "/v1/schedules", CreateScheduleRequest{GymID: "g1", ScheduledTime: at})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created ScheduleView
	decodeInto(t, rr, &created)
	require.Equal(t, "SCHEDULED", created.Status)
	require.Equal(t, "2026-05-01T18", created.TimeSlot)

	rr = f.user(t, http.MethodPost, "/v1/schedules", CreateScheduleRequest{GymID: "g1", ScheduledTime: at})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.user(t, http.MethodPost, "/v1/schedules", CreateScheduleRequest{GymID: "g1", ScheduledTime: f.now.Add(-time.Hour)})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.user(t, http.MethodGet, "/v1/users/u1/schedules?status=SCHEDULED", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list ScheduleListResponse
	decodeInto(t, rr, &list)
	require.Len(t, list.Items, 1)

	rr = f.user(t, http.MethodGet, "/v1/users/u1/schedules?status=LOST", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/schedules/"+created.ScheduleID+"/cancel", nil, "u2", auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.user(t, http.MethodPost, "/v1/schedules/"+created.ScheduleID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var cancelled CancelScheduleResponse
	decodeInto(t, rr, &cancelled)
	require.Equal(t, "CANCELLED", cancelled.Schedule.Status)
	require.False(t, cancelled.LateCancellation)
	require.Zero(t, cancelled.Penalty)

	rr = f.user(t, http.MethodPost, "/v1/schedules/"+created.ScheduleID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestReputationAndFollows(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.user(t, http.MethodPut, "/v1/users/u1/follows/g1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var award AwardView
	decodeInto(t, rr, &award)
	require.Equal(t, 2, award.Delta)

	rr = f.user(t, http.MethodPut, "/v1/users/u1/follows/g1", nil)
	decodeInto(t, rr, &award)
	require.True(t, award.Skipped)

	rr = f.do(t, http.MethodPut, "/v1/users/u2/follows/g1", nil, "u1", auth.ScopeAttendanceWrite)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.user(t, http.MethodGet, "/v1/users/u1/reputation", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rep ReputationView
	decodeInto(t, rr, &rep)
	require.Equal(t, 2, rep.TotalPoints)
	require.Equal(t, "Rookie", rep.Tier.Name)
	require.Equal(t, 100, rep.Reliability.Score)

	rr = f.user(t, http.MethodDelete, "/v1/users/u1/follows/g1", nil)
	decodeInto(t, rr, &award)
	require.Equal(t, -2, award.Delta)
	require.Zero(t, award.TotalPoints)

	rr = f.user(t, http.MethodGet, "/v1/users/ghost/reputation", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReconcileRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.user(t, http.MethodPost, "/v1/admin/gyms/g1/reconcile", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/admin/gyms/g1/reconcile", nil, "ops", auth.ScopeAttendanceAdmin)
	require.Equal(t, http.StatusOK, rr.Code)
	var counters attendance.GymCounters
	decodeInto(t, rr, &counters)
	require.Equal(t, "g1", counters.GymID)
	require.False(t, counters.Drift)

	rr = f.do(t, http.MethodPost, "/v1/admin/gyms/nope/reconcile", nil, "ops", auth.ScopeAttendanceAdmin)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestGymLiveStreamsCounts(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mux.ServeHTTP(w, withClaims(r, "u1", auth.ScopeAttendanceRead, auth.ScopeAttendanceWrite))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/gyms/g1/live", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	require.Equal(t, 0, first.Count)

	require.Eventually(t, func() bool { return f.hub.Subscribers("g1") == 1 }, time.Second, 5*time.Millisecond)
	rr := f.user(t, http.MethodPost, "/v1/presences/check-in", CheckInRequest{GymID: "g1", Location: at(rucker)})
	require.Equal(t, http.StatusCreated, rr.Code)

	next := readEvent(t, reader)
	require.Equal(t, "g1", next.GymID)
	require.Equal(t, 1, next.Count)
}

func readEvent(t *testing.T, reader *bufio.Reader) live.Update {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var u live.Update
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &u))
			return u
		}
	}
}
