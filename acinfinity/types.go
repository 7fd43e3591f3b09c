package acinfinity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Controller is one entry of the device list.
type Controller struct {
	ID         ID         `json:"devId"`
	Name       string     `json:"devName"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// DeviceInfo holds the controller's own readings and what is plugged into it.
// Temperature, humidity and VPD are reported in hundredths.
type DeviceInfo struct {
	Temperature Reading  `json:"temperature"`
	Humidity    Reading  `json:"humidity"`
	VPD         Reading  `json:"vpd"`
	Ports       []Port   `json:"ports"`
	Sensors     []Sensor `json:"sensors"`
}

// Port is a device (fan, light, ...) attached to a controller port.
type Port struct {
	Port   ID      `json:"port"`
	Name   string  `json:"portName"`
	Speed  Reading `json:"speak"`
	Online Reading `json:"online"`
	State  Reading `json:"state"`
}

// Sensor is a probe reading. Data is scaled by 10^Precision.
type Sensor struct {
	Type       Reading `json:"sensorType"`
	Data       Reading `json:"sensorData"`
	SensorPort ID      `json:"sensorPort"`
	Port       ID      `json:"port"`
	Precision  Reading `json:"sensorPrecis"`
	Unit       Reading `json:"sensorUnit"`
}

// PortLabel returns the sensor port, falling back to the generic port field and then "0".
func (s Sensor) PortLabel() string {
	switch {
	case s.SensorPort != "":
		return string(s.SensorPort)
	case s.Port != "":
		return string(s.Port)
	}
	return "0"
}

// ID accepts both JSON strings and numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Reading is an optional number. The API mixes numbers, booleans and numeric
// strings for the same fields across firmware versions.
type Reading struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Reading) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = Reading{}
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case bytes.Equal(data, []byte("true")):
		*r = Reading{Value: 1, Valid: true}
		return nil
	case bytes.Equal(data, []byte("false")):
		*r = Reading{Value: 0, Valid: true}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("reading %q is not numeric", s)
		}
		*r = Reading{Value: v, Valid: true}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Reading{Value: v, Valid: true}
	return nil
}

// Int returns the value truncated, or def when absent.
func (r Reading) Int(def int) int {
	if !r.Valid {
		return def
	}
	return int(r.Value)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type loginData struct {
	AppID string `json:"appId"`
}
