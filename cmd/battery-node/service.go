/*
battery-node - Battery voltage telemetry node
Copyright (C) 2025, Voltlog

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"errors"
	"time"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/voltlog/battery-node/internal/mqtt"
	"github.com/voltlog/battery-node/internal/ota"
	"github.com/voltlog/battery-node/internal/wakecycle"
)

const (
	dbusName = "org.voltlog.BatteryNode"
	dbusPath = "/org/voltlog/BatteryNode"
)

type service struct {
	controller *wakecycle.Controller
	updater    *ota.Orchestrator
}

func startService(c *wakecycle.Controller, u *ota.Orchestrator) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		controller: c,
		updater:    u,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// LastReading returns the most recent battery reading as volts, percent
// and status.
func (s service) LastReading() (float64, float64, string, *dbus.Error) {
	reading, ok := s.controller.LastReading()
	if !ok {
		return 0, 0, "", makeDbusError(".LastReadingError", errors.New("no reading yet"))
	}
	return float64(reading.Voltage), float64(reading.Percent), reading.Status.String(), nil
}

// StayAwakeFor will keep the node out of deep sleep for m minutes.
func (s service) StayAwakeFor(m int) *dbus.Error {
	s.controller.StayAwakeFor(time.Duration(m) * time.Minute)
	return nil
}

// AllowSleep clears any stay-awake override.
func (s service) AllowSleep() *dbus.Error {
	s.controller.AllowSleep()
	return nil
}

// TriggerUpdate requests a firmware update. An empty path selects the
// network-upload mode.
func (s service) TriggerUpdate(path string) *dbus.Error {
	filename, err := mqtt.ParseUpdatePayload(path)
	if err != nil {
		return makeDbusError(".TriggerUpdateError", err)
	}
	if err := s.updater.RequestUpdate(filename); err != nil {
		return makeDbusError(".TriggerUpdateError", err)
	}
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
