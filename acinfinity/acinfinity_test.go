package acinfinity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devicesFixture = `{"code":200,"msg":"success","data":[
 {"devId":1424979258063355749,"devName":"Tent","deviceInfo":{"temperature":2450,"humidity":5512,"vpd":135,
  "ports":[
   {"port":1,"portName":"Fan","speak":7,"online":1,"state":1},
   {"port":2,"portName":"","speak":0,"online":false},
   {"port":"","portName":"ghost"}],
  "sensors":[
   {"sensorType":1,"sensorData":7700,"sensorPrecis":2,"sensorPort":3},
   {"sensorType":2,"sensorData":250,"sensorPrecis":1,"sensorUnit":0,"port":4},
   {"sensorType":3,"sensorData":601,"sensorPrecis":1},
   {"sensorType":9,"sensorData":812,"sensorPort":5},
   {"sensorType":12,"sensorData":"43","sensorPort":6},
   {"sensorType":99,"sensorData":1},
   {"sensorType":10,"sensorData":null}]}},
 {"devId":"","devName":"skipped"}
]}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu           sync.Mutex
	logins       int
	listCalls    int
	unauthorized int
	loginCode    int
	listBody     string
	lastForm     map[string]string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user/appUserLogin", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		f.lastForm = map[string]string{"appEmail": r.PostForm.Get("appEmail"), "appPasswordl": r.PostForm.Get("appPasswordl")}
		f.logins++
		if f.loginCode != 0 {
			fmt.Fprintf(w, `{"code":%d,"msg":"user not exist"}`, f.loginCode)
			return
		}
		fmt.Fprintf(w, `{"code":200,"msg":"success","data":{"appId":"tok-%d"}}`, f.logins)
	})
	mux.HandleFunc("/api/user/devInfoListAll", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		require.NoError(t, r.ParseForm())
		f.listCalls++
		token := fmt.Sprintf("tok-%d", f.logins)
		if f.unauthorized > 0 || r.Header.Get("token") != token || r.PostForm.Get("userId") != token {
			if f.unauthorized > 0 {
				f.unauthorized--
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body := f.listBody
		if body == "" {
			body = devicesFixture
		}
		io.WriteString(w, body) //nolint:errcheck
	})
	return mux
}

func newClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/api", Email: "grower@example.com", Password: "hunter2"}, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClientAuthenticate(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "tok-1", c.currentToken())
	assert.Equal(t, map[string]string{"appEmail": "grower@example.com", "appPasswordl": "hunter2"}, api.lastForm)
}

func TestClientAuthenticateRejected(t *testing.T) {
	api := &fakeAPI{loginCode: 10001}
	c := newClient(t, api)

	err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, interfaces.ErrAuthentication)
	require.ErrorIs(t, err, ErrAPI)
	assert.Empty(t, c.currentToken())
}

func TestClientControllers(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	controllers, err := c.Controllers(context.Background())
	require.NoError(t, err)
	require.Len(t, controllers, 2)
	assert.Equal(t, 1, api.logins, "logs in lazily")

	tent := controllers[0]
	assert.Equal(t, ID("1424979258063355749"), tent.ID)
	assert.Equal(t, "Tent", tent.Name)
	assert.Equal(t, Reading{Value: 2450, Valid: true}, tent.DeviceInfo.Temperature)
	require.Len(t, tent.DeviceInfo.Ports, 3)
	assert.Equal(t, Reading{Value: 0, Valid: true}, tent.DeviceInfo.Ports[1].Online)
	assert.False(t, tent.DeviceInfo.Ports[2].Speed.Valid)
}

func TestClientReauthenticatesOnceOn401(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)
	require.NoError(t, c.Authenticate(context.Background()))

	api.unauthorized = 1
	controllers, err := c.Controllers(context.Background())
	require.NoError(t, err)
	assert.Len(t, controllers, 2)
	assert.Equal(t, 2, api.logins)
	assert.Equal(t, 2, api.listCalls)

	api.unauthorized = 2
	_, err = c.Controllers(context.Background())
	require.ErrorIs(t, err, ErrAPI)
	assert.Equal(t, 3, api.logins, "only one re-authentication per call")
}

func TestClientAPIError(t *testing.T) {
	api := &fakeAPI{listBody: `{"code":500,"msg":"server busy"}`}
	c := newClient(t, api)

	_, err := c.Controllers(context.Background())
	require.ErrorIs(t, err, ErrAPI)
	require.ErrorContains(t, err, "server busy")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(ClientConfig{Email: "a@b.c"}, testLogger())
	require.ErrorIs(t, err, interfaces.ErrConfiguration)
}

type staticSource struct {
	controllers []Controller
	err         error
}

func (s staticSource) Controllers(context.Context) ([]Controller, error) {
	return s.controllers, s.err
}

func fixtureControllers(t *testing.T) []Controller {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(devicesFixture), &env))
	var controllers []Controller
	require.NoError(t, json.Unmarshal(env.Data, &controllers))
	return controllers
}

func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(staticSource{controllers: fixtureControllers(t)}, testLogger())
	require.NoError(t, c.Collect(context.Background(), reg))

	ctrl := map[string]string{"controller_id": "1424979258063355749", "controller_name": "Tent"}
	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"acinfinity_controller_info", ctrl, 1},
		{"acinfinity_controller_temperature_celsius", ctrl, 24.5},
		{"acinfinity_controller_humidity_percent", ctrl, 55.12},
		{"acinfinity_controller_vpd_kpa", ctrl, 1.35},
		{"acinfinity_device_speed", map[string]string{"port": "1", "device_name": "Fan"}, 7},
		{"acinfinity_device_online", map[string]string{"port": "1"}, 1},
		{"acinfinity_device_online", map[string]string{"port": "2", "device_name": "Unknown"}, 0},
		{"acinfinity_device_state", map[string]string{"port": "1"}, 1},
		{"acinfinity_sensor_temperature_celsius", map[string]string{"port": "3", "sensor_type": "probe_temp"}, 25},
		{"acinfinity_sensor_temperature_celsius", map[string]string{"port": "4", "sensor_type": "probe_temp"}, -3.8889},
		{"acinfinity_sensor_humidity_percent", map[string]string{"port": "0", "sensor_type": "probe_humidity"}, 60.1},
		{"acinfinity_sensor_co2_ppm", map[string]string{"port": "5"}, 812},
		{"acinfinity_sensor_soil_percent", map[string]string{"port": "6"}, 43},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := value(t, reg, tt.name, tt.labels)
			require.True(t, ok, "missing %s %v", tt.name, tt.labels)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}

	_, ok := value(t, reg, "acinfinity_controller_info", map[string]string{"controller_name": "skipped"})
	assert.False(t, ok, "controllers without an id are skipped")
	_, ok = value(t, reg, "acinfinity_device_info", map[string]string{"device_name": "ghost"})
	assert.False(t, ok, "ports without a number are skipped")
	_, ok = value(t, reg, "acinfinity_sensor_light_percent", nil)
	assert.False(t, ok, "sensors without data are skipped")
}

func TestCollectorFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	err := NewCollector(staticSource{}, testLogger()).Collect(context.Background(), reg)
	require.ErrorIs(t, err, ErrNoDevices)

	err = NewCollector(staticSource{err: ErrAPI}, testLogger()).Collect(context.Background(), reg)
	require.ErrorIs(t, err, ErrAPI)
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, 0, FahrenheitToCelsius(32), 1e-9)
	assert.InDelta(t, 100, FahrenheitToCelsius(212), 1e-9)
	assert.Equal(t, 12.0, ScaleValue(12, 0))
	assert.Equal(t, 12.0, ScaleValue(12, -1))
	assert.InDelta(t, 1.23, ScaleValue(123, 2), 1e-9)
}

func TestReadingUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Reading
		err  bool
	}{
		{`12.5`, Reading{12.5, true}, false},
		{`true`, Reading{1, true}, false},
		{`false`, Reading{0, true}, false},
		{`"7"`, Reading{7, true}, false},
		{`""`, Reading{}, false},
		{`null`, Reading{}, false},
		{`"abc"`, Reading{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var r Reading
			err := json.Unmarshal([]byte(tt.in), &r)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
		})
	}
}
