//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"fleet-console/internal/state"
)

// Controller is the part of the console the bridge drives.
// *console.Console implements it.
type Controller interface {
	Subscribe(fn func(*state.Snapshot)) func()
	Select(ctx context.Context, field state.Field, value string) error
	Refresh(ctx context.Context, stage state.StageID) error
}

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to "fleet-console-" plus a random suffix.
	ClientID string
}

// Bridge publishes the selected robot's status to MQTT and accepts
// selection commands.
type Bridge struct {
	client pahomqtt.Client
	ctrl   Controller
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	updates chan *state.Snapshot
	done    chan struct{}
	started bool

	// guards the last published payloads
	mu          sync.Mutex
	lastTopic   string
	lastStatus  []byte
	lastSelJSON []byte
}

func newBridge(ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		ctrl:    ctrl,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan *state.Snapshot, 1),
		done:    make(chan struct{}),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fleet-console-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
			b.republish()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to console snapshots and begins publishing.
func (b *Bridge) Start() {
	b.started = true
	go b.run()
	b.unsub = b.ctrl.Subscribe(b.enqueue)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	if b.started {
		<-b.done
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// enqueue hands snap to the publisher without blocking the console. Only
// the latest pending snapshot is kept.
func (b *Bridge) enqueue(snap *state.Snapshot) {
	for {
		select {
		case b.updates <- snap:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case snap := <-b.updates:
			b.publishSnapshot(snap)
		}
	}
}

// publishSnapshot publishes the selection and the selected robot's
// status when they changed since the last publish.
func (b *Bridge) publishSnapshot(snap *state.Snapshot) {
	sel := mustJSON(snap.Selection)
	b.mu.Lock()
	selChanged := !bytes.Equal(sel, b.lastSelJSON)
	b.lastSelJSON = sel
	b.mu.Unlock()
	if selChanged {
		b.publish(b.prefix+"/console/selection", sel, true)
	}

	status, ok := statusFromSnapshot(snap)
	if !ok {
		return
	}
	topic := statusTopic(b.prefix, status.SN)
	payload := mustJSON(status)

	b.mu.Lock()
	if topic == b.lastTopic && bytes.Equal(payload, b.lastStatus) {
		b.mu.Unlock()
		return
	}
	b.lastTopic, b.lastStatus = topic, payload
	b.mu.Unlock()

	b.publish(topic, payload, true)
}

// republish restores retained state after a reconnect.
func (b *Bridge) republish() {
	b.mu.Lock()
	topic, status, sel := b.lastTopic, b.lastStatus, b.lastSelJSON
	b.mu.Unlock()
	if sel != nil {
		b.publish(b.prefix+"/console/selection", sel, true)
	}
	if topic != "" {
		b.publish(topic, status, true)
	}
}

func (b *Bridge) publishBridgeState(status string) {
	b.publish(b.prefix+"/bridge/state", []byte(status), true)
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/console/select", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSelect(msg.Payload())
	})
	b.client.Subscribe(b.prefix+"/console/refresh", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleRefresh(msg.Payload())
	})
}

type commandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (b *Bridge) handleSelect(payload []byte) {
	field, value, err := parseSelectCommand(payload)
	if err == nil {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		err = b.ctrl.Select(ctx, field, value)
		cancel()
	}
	b.reply("select", err)
	if err != nil {
		b.logger.Warn("select command failed", "err", err)
		return
	}
	b.logger.Info("select command applied", "field", field, "value", value)
}

func (b *Bridge) handleRefresh(payload []byte) {
	stage := state.StageID(strings.TrimSpace(string(payload)))
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	err := b.ctrl.Refresh(ctx, stage)
	cancel()
	b.reply("refresh", err)
	if err != nil {
		b.logger.Warn("refresh command failed", "stage", stage, "err", err)
	}
}

// reply publishes the outcome of a command on <prefix>/console/<cmd>/result.
func (b *Bridge) reply(cmd string, err error) {
	res := commandResult{OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	b.publish(b.prefix+"/console/"+cmd+"/result", mustJSON(res), false)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
