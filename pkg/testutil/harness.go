package testutil

import (
	"fmt"

	"guestmode/internal/clock"
	"guestmode/internal/guest"
	"guestmode/internal/ha"
	"guestmode/internal/policy"
	"guestmode/internal/restore"
	"guestmode/internal/shadowstate"
	"guestmode/internal/state"

	"go.uber.org/zap"
)

const testToken = "test_token"

// EnvOptions configures a TestEnv
type EnvOptions struct {
	// ZonesFile is the zone policy document to load
	ZonesFile string
	// States seeds the mock server before the service connects
	States map[string]string
	// Restore is shared across Restart calls. Defaults to an in-memory store.
	Restore  restore.Store
	ReadOnly bool
	Logger   *zap.Logger
}

// TestEnv runs the guest mode service against a mock Home Assistant server
// over a real WebSocket connection.
type TestEnv struct {
	Server       *MockHAServer
	Client       *ha.Client
	Store        *policy.Store
	StateManager *state.Manager
	Restore      restore.Store
	Manager      *guest.Manager
	Logger       *zap.Logger

	opts EnvOptions
}

// NewTestEnv starts a mock server on a free local port, connects a client
// and starts a guest mode manager.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(testutil.EnvOptions{ZonesFile: path})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(opts EnvOptions) (*TestEnv, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Restore == nil {
		opts.Restore = restore.NewMemoryStore()
	}

	server := NewMockHAServer("127.0.0.1:0", testToken)
	server.SetEventDelay(0)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}
	server.SetStates(opts.States)

	env := &TestEnv{
		Server:  server,
		Restore: opts.Restore,
		Logger:  opts.Logger,
		opts:    opts,
	}
	if err := env.start(); err != nil {
		server.Stop()
		return nil, err
	}
	return env, nil
}

func (e *TestEnv) start() error {
	client := ha.NewClient(e.Server.URL(), testToken, e.Logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect client: %w", err)
	}

	store := policy.NewStore(e.opts.ZonesFile, e.Logger)
	if err := store.Load(); err != nil {
		client.Disconnect()
		return fmt.Errorf("failed to load zones: %w", err)
	}

	stateManager := state.NewManager(client, e.Logger, e.opts.ReadOnly)
	manager := guest.NewManager(
		client,
		store,
		stateManager,
		e.Restore,
		shadowstate.NewSubscriptionRegistry(),
		clock.System,
		e.Logger,
		e.opts.ReadOnly,
	)
	if err := manager.Start(); err != nil {
		client.Disconnect()
		return fmt.Errorf("failed to start guest mode: %w", err)
	}

	e.Client = client
	e.Store = store
	e.StateManager = stateManager
	e.Manager = manager
	return nil
}

func (e *TestEnv) stop() {
	if e.Manager != nil {
		e.Manager.Stop()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
}

// Restart stops the service and starts a fresh one against the same server
// and restore store, as a process restart would.
func (e *TestEnv) Restart() error {
	e.stop()
	return e.start()
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.stop()
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
