// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianRails/services/runner/wire"
)

// Addon extends the runner server with its own named requests.
//
// Add-ons are compiled into the server binary and made known with
// RegisterAddon. The client activates one by name with
// server_addon/register, then reaches it through server_addon/delegate.
type Addon interface {
	// Name is the value clients send as server_addon_name.
	Name() string

	// Execute answers a delegated request. params excludes the envelope keys.
	Execute(ctx context.Context, request string, params json.RawMessage) (any, error)
}

// Notifier is implemented by add-ons that accept delegated notifications.
type Notifier interface {
	Notify(ctx context.Context, request string, params json.RawMessage) error
}

// RegisterAddon makes an add-on available for activation.
func (d *Dispatcher) RegisterAddon(a Addon) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addons[a.Name()] = a
}

// ActiveAddons returns the names of activated add-ons.
func (d *Dispatcher) ActiveAddons() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.active))
	for name := range d.active {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) activateAddon(params json.RawMessage) error {
	var p wire.AddonParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("decode add-on registration: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.addons[p.ServerAddonName]; !ok {
		return fmt.Errorf("server add-on %q is not available", p.ServerAddonName)
	}
	d.active[p.ServerAddonName] = true
	d.logger.Info("server add-on activated", "addon", p.ServerAddonName)
	return nil
}

func (d *Dispatcher) delegateRequest(ctx context.Context, params json.RawMessage) (any, error) {
	addon, request, rest, err := d.resolveDelegate(params)
	if err != nil {
		return nil, err
	}
	return addon.Execute(ctx, request, rest)
}

func (d *Dispatcher) delegateNotification(ctx context.Context, params json.RawMessage) error {
	addon, request, rest, err := d.resolveDelegate(params)
	if err != nil {
		return err
	}
	n, ok := addon.(Notifier)
	if !ok {
		return fmt.Errorf("server add-on %q does not accept notifications", addon.Name())
	}
	return n.Notify(ctx, request, rest)
}

// resolveDelegate splits the delegate envelope from the add-on's params.
func (d *Dispatcher) resolveDelegate(params json.RawMessage) (Addon, string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, "", nil, fmt.Errorf("decode delegate params: %w", err)
	}

	var name, request string
	if raw, ok := fields["server_addon_name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	if raw, ok := fields["request_name"]; ok {
		_ = json.Unmarshal(raw, &request)
	}
	if name == "" || request == "" {
		return nil, "", nil, fmt.Errorf("delegate requires server_addon_name and request_name")
	}
	delete(fields, "server_addon_name")
	delete(fields, "request_name")

	d.mu.RLock()
	addon, known := d.addons[name]
	active := d.active[name]
	d.mu.RUnlock()
	if !known || !active {
		return nil, "", nil, fmt.Errorf("server add-on %q is not registered", name)
	}

	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, "", nil, err
	}
	return addon, request, rest, nil
}
