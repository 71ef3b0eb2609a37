package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg"
)

type recorded struct {
	method string
	path   string
	caller string
	apiKey string
	body   []byte
}

func newFakeDaemon(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, recorded{r.Method, r.URL.RequestURI(), r.Header.Get(callerHeader), r.Header.Get("X-API-Key"), body})
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(viper.New())
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    pkg.AvailableNetworkInfo
		wantErr bool
	}{
		{in: "sub=5", want: pkg.AvailableNetworkInfo{SubID: 5, Priority: pkg.PriorityHigh}},
		{in: "sub=6,priority=low,mccmnc=310260;310410,bands=41;48", want: pkg.AvailableNetworkInfo{
			SubID: 6, Priority: pkg.PriorityLow, MCCMNCs: []string{"310260", "310410"}, Bands: []int{41, 48},
		}},
		{in: "sub=7,priority=2", want: pkg.AvailableNetworkInfo{SubID: 7, Priority: pkg.PriorityMed}},
		{in: "priority=1", wantErr: true},
		{in: "sub=x", wantErr: true},
		{in: "sub=5,priority=urgent", wantErr: true},
		{in: "sub=5,colour=red", wantErr: true},
		{in: "sub", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseNetwork(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpdateSendsNetworks(t *testing.T) {
	srv, reqs := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"request_id":"abc","result":"success","code":0}`))
	})

	out, err := execute(t, "--addr", srv.URL, "--caller", "com.example.carrier", "--api-key", "k",
		"update", "-n", "sub=5,mccmnc=310260")
	require.NoError(t, err)
	assert.Equal(t, "request abc: success\n", out)

	require.Len(t, *reqs, 1)
	r := (*reqs)[0]
	assert.Equal(t, http.MethodPost, r.method)
	assert.Equal(t, "/api/v1/networks", r.path)
	assert.Equal(t, "com.example.carrier", r.caller)
	assert.Equal(t, "k", r.apiKey)

	var body struct {
		Networks []pkg.AvailableNetworkInfo `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(r.body, &body))
	assert.Equal(t, []pkg.AvailableNetworkInfo{{SubID: 5, Priority: pkg.PriorityHigh, MCCMNCs: []string{"310260"}}}, body.Networks)
}

func TestUpdateRequiresNetwork(t *testing.T) {
	_, err := execute(t, "--addr", "http://127.0.0.1:1", "update")
	assert.Error(t, err)
}

func TestClearPending(t *testing.T) {
	srv, reqs := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"result":"pending","code":-1}`))
	})

	out, err := execute(t, "--addr", srv.URL, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.JSONEq(t, `{"networks":[]}`, string((*reqs)[0].body))
}

func TestEnableDisable(t *testing.T) {
	srv, reqs := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]bool{"enabled": r.Method == http.MethodPut})
		w.Write(body)
	})

	_, err := execute(t, "--addr", srv.URL, "disable")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":false}`, string((*reqs)[0].body))

	out, err := execute(t, "--addr", srv.URL, "enable")
	require.NoError(t, err)
	assert.Equal(t, "enabled: true\n", out)
}

func TestPermissionErrorSurfaces(t *testing.T) {
	srv, _ := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"set enable: permission denied"}`))
	})

	_, err := execute(t, "--addr", srv.URL, "--caller", "com.example.game", "enable")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Contains(t, apiErr.Message, "permission denied")
}

func TestPreferredData(t *testing.T) {
	srv, reqs := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"sub_id":2147483647}`))
			return
		}
		w.Write([]byte(`{"result":"success","code":0}`))
	})

	out, err := execute(t, "--addr", srv.URL, "preferred-data")
	require.NoError(t, err)
	assert.Equal(t, "preferred data: default\n", out)

	out, err = execute(t, "--addr", srv.URL, "preferred-data", "6", "--validate")
	require.NoError(t, err)
	assert.Equal(t, "result: success\n", out)
	assert.JSONEq(t, `{"sub_id":6,"need_validation":true}`, string((*reqs)[1].body))

	_, err = execute(t, "--addr", srv.URL, "preferred-data", "six")
	assert.Error(t, err)
}

func TestStatusText(t *testing.T) {
	srv, _ := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"enabled":true,"preferred_data_sub":1,"opportunistic":[{"id":5},{"id":6}],
			"carrier":{"id":"c1","networks":[{"sub_id":5,"priority":1}]}}`))
	})

	out, err := execute(t, "--addr", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled:")
	assert.Contains(t, out, "c1 (1 networks)")
	assert.Contains(t, out, "5, 6")
	assert.Contains(t, out, "idle")
}

func TestEventsQuery(t *testing.T) {
	srv, reqs := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":[{"type":"selection_finished","request_id":"r1","result":"success"}],"count":1}`))
	})

	out, err := execute(t, "--addr", srv.URL, "-o", "json", "events", "--limit", "5", "--type", "selection_finished")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/events?limit=5&type=selection_finished", (*reqs)[0].path)

	var events []pkg.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "r1", events[0].RequestID)
}

func TestHistoryText(t *testing.T) {
	srv, _ := newFakeDaemon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"selections":[{"request_id":"r9","class":"system","result":"aborted","sub_id":-1,"duration_ms":12}]}`))
	})

	out, err := execute(t, "--addr", srv.URL, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "r9")
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "12ms")
}
