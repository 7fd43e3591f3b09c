package acinfinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acinfinity"

// Sensor types reported by the API.
const (
	sensorProbeTempF    = 1
	sensorProbeTempC    = 2
	sensorProbeHumidity = 3
	sensorProbeVPD      = 4
	sensorCtrlTempF     = 5
	sensorCtrlTempC     = 6
	sensorCtrlHumidity  = 7
	sensorCtrlVPD       = 8
	sensorCO2           = 9
	sensorLight         = 10
	sensorSoil          = 12
)

var sensorTypeNames = map[int]string{
	sensorProbeTempF:    "probe_temp",
	sensorProbeTempC:    "probe_temp",
	sensorProbeHumidity: "probe_humidity",
	sensorProbeVPD:      "probe_vpd",
	sensorCtrlTempF:     "ctrl_temp",
	sensorCtrlTempC:     "ctrl_temp",
	sensorCtrlHumidity:  "ctrl_humidity",
	sensorCtrlVPD:       "ctrl_vpd",
	sensorCO2:           "co2",
	sensorLight:         "light",
	sensorSoil:          "soil",
}

// ErrNoDevices fails a cycle in which the account reported no controllers.
var ErrNoDevices = errors.New("no devices returned from API")

// ControllerSource lists controllers; *Client implements it.
type ControllerSource interface {
	Controllers(ctx context.Context) ([]Controller, error)
}

// Collector fills a fresh registry with one snapshot of the account.
type Collector struct {
	source ControllerSource
	log    *slog.Logger
}

// NewCollector creates a collector.
func NewCollector(source ControllerSource, log *slog.Logger) *Collector {
	return &Collector{source: source, log: log}
}

type gauges struct {
	controllerInfo        *prometheus.GaugeVec
	controllerTemperature *prometheus.GaugeVec
	controllerHumidity    *prometheus.GaugeVec
	controllerVPD         *prometheus.GaugeVec

	deviceInfo   *prometheus.GaugeVec
	deviceSpeed  *prometheus.GaugeVec
	deviceOnline *prometheus.GaugeVec
	deviceState  *prometheus.GaugeVec

	sensorTemperature *prometheus.GaugeVec
	sensorHumidity    *prometheus.GaugeVec
	sensorVPD         *prometheus.GaugeVec
	sensorCO2         *prometheus.GaugeVec
	sensorLight       *prometheus.GaugeVec
	sensorSoil        *prometheus.GaugeVec
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func newGauges(reg prometheus.Registerer) (*gauges, error) {
	controller := []string{"controller_id", "controller_name"}
	device := []string{"controller_id", "port", "device_name"}
	typedSensor := []string{"controller_id", "port", "sensor_type"}
	sensor := []string{"controller_id", "port"}

	g := &gauges{
		controllerInfo:        gaugeVec("controller_info", "AC Infinity controller information", controller...),
		controllerTemperature: gaugeVec("controller_temperature_celsius", "Controller temperature in Celsius", controller...),
		controllerHumidity:    gaugeVec("controller_humidity_percent", "Controller humidity percentage", controller...),
		controllerVPD:         gaugeVec("controller_vpd_kpa", "Controller VPD in kPa", controller...),

		deviceInfo:   gaugeVec("device_info", "AC Infinity device information", device...),
		deviceSpeed:  gaugeVec("device_speed", "Device speed (0-10)", device...),
		deviceOnline: gaugeVec("device_online", "Device online status (1=online, 0=offline)", device...),
		deviceState:  gaugeVec("device_state", "Device state", device...),

		sensorTemperature: gaugeVec("sensor_temperature_celsius", "Sensor temperature in Celsius", typedSensor...),
		sensorHumidity:    gaugeVec("sensor_humidity_percent", "Sensor humidity percentage", typedSensor...),
		sensorVPD:         gaugeVec("sensor_vpd_kpa", "Sensor VPD in kPa", typedSensor...),
		sensorCO2:         gaugeVec("sensor_co2_ppm", "CO2 level in ppm", sensor...),
		sensorLight:       gaugeVec("sensor_light_percent", "Light level percentage", sensor...),
		sensorSoil:        gaugeVec("sensor_soil_percent", "Soil moisture percentage", sensor...),
	}

	for _, c := range []prometheus.Collector{
		g.controllerInfo, g.controllerTemperature, g.controllerHumidity, g.controllerVPD,
		g.deviceInfo, g.deviceSpeed, g.deviceOnline, g.deviceState,
		g.sensorTemperature, g.sensorHumidity, g.sensorVPD, g.sensorCO2, g.sensorLight, g.sensorSoil,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Collect implements exporter.Collector.
func (c *Collector) Collect(ctx context.Context, reg *prometheus.Registry) error {
	controllers, err := c.source.Controllers(ctx)
	if err != nil {
		return err
	}
	if len(controllers) == 0 {
		return ErrNoDevices
	}

	g, err := newGauges(reg)
	if err != nil {
		return fmt.Errorf("failed to register gauges: %w", err)
	}

	var nControllers, nDevices int
	for _, ctrl := range controllers {
		id := string(ctrl.ID)
		if id == "" {
			continue
		}
		name := ctrl.Name
		if name == "" {
			name = "Unknown"
		}
		nControllers++

		g.controllerInfo.WithLabelValues(id, name).Set(1)
		info := ctrl.DeviceInfo
		if info.Temperature.Valid {
			g.controllerTemperature.WithLabelValues(id, name).Set(info.Temperature.Value / 100)
		}
		if info.Humidity.Valid {
			g.controllerHumidity.WithLabelValues(id, name).Set(info.Humidity.Value / 100)
		}
		if info.VPD.Valid {
			g.controllerVPD.WithLabelValues(id, name).Set(info.VPD.Value / 100)
		}

		for _, port := range info.Ports {
			portNum := string(port.Port)
			if portNum == "" {
				continue
			}
			portName := port.Name
			if portName == "" {
				portName = "Unknown"
			}
			nDevices++

			g.deviceInfo.WithLabelValues(id, portNum, portName).Set(1)
			if port.Speed.Valid {
				g.deviceSpeed.WithLabelValues(id, portNum, portName).Set(port.Speed.Value)
			}
			if port.Online.Valid {
				online := 0.0
				if port.Online.Value != 0 {
					online = 1
				}
				g.deviceOnline.WithLabelValues(id, portNum, portName).Set(online)
			}
			if port.State.Valid {
				g.deviceState.WithLabelValues(id, portNum, portName).Set(port.State.Value)
			}
		}

		for _, s := range info.Sensors {
			g.sensor(id, s)
		}
	}

	c.log.Info("Collection complete", slog.Int("controllers", nControllers), slog.Int("devices", nDevices))
	return nil
}

func (g *gauges) sensor(controllerID string, s Sensor) {
	if !s.Type.Valid || !s.Data.Valid {
		return
	}
	sensorType := s.Type.Int(0)
	port := s.PortLabel()
	typeName, ok := sensorTypeNames[sensorType]
	if !ok {
		typeName = fmt.Sprintf("type_%d", sensorType)
	}
	value := ScaleValue(s.Data.Value, s.Precision.Int(0))

	switch sensorType {
	case sensorProbeTempF, sensorProbeTempC, sensorCtrlTempF, sensorCtrlTempC:
		// Unit 0 is Fahrenheit; the _F sensor types always report Fahrenheit.
		if sensorType == sensorProbeTempF || sensorType == sensorCtrlTempF || s.Unit.Int(1) == 0 {
			value = FahrenheitToCelsius(value)
		}
		g.sensorTemperature.WithLabelValues(controllerID, port, typeName).Set(value)
	case sensorProbeHumidity, sensorCtrlHumidity:
		g.sensorHumidity.WithLabelValues(controllerID, port, typeName).Set(value)
	case sensorProbeVPD, sensorCtrlVPD:
		g.sensorVPD.WithLabelValues(controllerID, port, typeName).Set(value)
	case sensorCO2:
		g.sensorCO2.WithLabelValues(controllerID, port).Set(value)
	case sensorLight:
		g.sensorLight.WithLabelValues(controllerID, port).Set(value)
	case sensorSoil:
		g.sensorSoil.WithLabelValues(controllerID, port).Set(value)
	}
}

// FahrenheitToCelsius converts a temperature.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// ScaleValue divides value by 10^precision; non-positive precision leaves it unchanged.
func ScaleValue(value float64, precision int) float64 {
	if precision <= 0 {
		return value
	}
	return value / math.Pow10(precision)
}
