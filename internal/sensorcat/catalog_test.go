package sensorcat

import "testing"

func TestLoad(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	if got := len(c.AnalogNames()); got != 8 {
		t.Errorf("expected 8 analog sensors, got %d", got)
	}
	if got := len(c.DigitalNames()); got != 8 {
		t.Errorf("expected 8 digital sensors, got %d", got)
	}

	if !c.IsAnalog("oil_temperature") {
		t.Error("oil_temperature should be analog")
	}
	if c.IsAnalog("lps") {
		t.Error("lps should not be analog")
	}
	if !c.IsDigital("caudal_impulses") {
		t.Error("caudal_impulses should be digital")
	}
	if c.IsDigital("motor_current") {
		t.Error("motor_current should not be digital")
	}

	s, ok := c.Lookup("tp2")
	if !ok {
		t.Fatal("tp2 should be in catalog")
	}
	if s.Unit != "bar" {
		t.Errorf("expected tp2 unit bar, got %s", s.Unit)
	}
	if _, ok := c.Lookup("unknown_sensor"); ok {
		t.Error("unknown_sensor should not resolve")
	}
}
