package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
)

var errNotConnected = errors.New("broker admin client not connected")

// ErrUsernameTaken is returned when the broker already has an account with
// the derived username bound to a different device
var ErrUsernameTaken = errors.New("broker username held by another device")

type dynsecRole struct {
	Rolename string `json:"rolename"`
}

type dynsecCommand struct {
	Command         string       `json:"command"`
	Username        string       `json:"username"`
	Password        string       `json:"password,omitempty"`
	ClientID        string       `json:"clientid,omitempty"`
	Roles           []dynsecRole `json:"roles,omitempty"`
	CorrelationData string       `json:"correlationData,omitempty"`
}

type dynsecRequest struct {
	Commands []dynsecCommand `json:"commands"`
}

type dynsecResult struct {
	Command         string          `json:"command"`
	Error           string          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	CorrelationData string          `json:"correlationData,omitempty"`
}

type dynsecClient struct {
	Username string `json:"username"`
	ClientID string `json:"clientid"`
}

type dynsecClientData struct {
	Client dynsecClient `json:"client"`
}

type dynsecResponse struct {
	Responses []dynsecResult `json:"responses"`
}

// CommandError is an error reported by the dynamic-security plugin
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("dynsec %s: %s", e.Command, e.Message)
}

// DynSecRegistrar manages device accounts through the Mosquitto
// dynamic-security control topic
type DynSecRegistrar struct {
	client       mqtt.Client
	controlTopic string
	deviceRole   string
	logger       *logger.Logger

	mu      sync.Mutex
	pending map[string]chan dynsecResult
}

// NewDynSecRegistrar builds the admin MQTT client. Call Connect before use.
func NewDynSecRegistrar(cfg config.BrokerConfig, log *logger.Logger) (*DynSecRegistrar, error) {
	r := &DynSecRegistrar{
		controlTopic: cfg.Admin.ControlTopic,
		deviceRole:   cfg.DeviceRole,
		logger:       log.WithComponent("dynsec"),
		pending:      make(map[string]chan dynsecResult),
	}

	admin := cfg.Admin
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(admin)).
		SetClientID(admin.ClientID).
		SetKeepAlive(admin.KeepAlive).
		SetPingTimeout(admin.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true)

	if admin.BrokerUser != "" {
		opts.SetUsername(admin.BrokerUser)
		opts.SetPassword(admin.BrokerPass)
	}

	if admin.UseTLS {
		tlsCfg, err := tlsConfig(admin.CACertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		r.logger.Logger.Error().Err(err).Msg("MQTT admin connection lost")
	}
	opts.OnConnect = func(c mqtt.Client) {
		r.subscribeResponses(c)
	}

	r.client = mqtt.NewClient(opts)
	return r, nil
}

func newDynSecRegistrarWithClient(client mqtt.Client, controlTopic, deviceRole string, log *logger.Logger) *DynSecRegistrar {
	r := &DynSecRegistrar{
		client:       client,
		controlTopic: controlTopic,
		deviceRole:   deviceRole,
		logger:       log.WithComponent("dynsec"),
		pending:      make(map[string]chan dynsecResult),
	}
	r.subscribeResponses(client)
	return r
}

// Connect waits for the first connection. The client keeps retrying in the
// background if ctx expires first.
func (r *DynSecRegistrar) Connect(ctx context.Context) error {
	tk := r.client.Connect()
	if err := waitToken(ctx, tk); err != nil {
		return apperr.Unavailable("connect to broker", err)
	}
	return nil
}

// Close disconnects from the broker
func (r *DynSecRegistrar) Close() {
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(500)
	}
}

func (r *DynSecRegistrar) IsConnected() bool {
	return r.client != nil && r.client.IsConnected()
}

// Ping reports the admin connection state for readiness checks
func (r *DynSecRegistrar) Ping(ctx context.Context) error {
	if !r.IsConnected() {
		return errNotConnected
	}
	return nil
}

func (r *DynSecRegistrar) CreateAccount(ctx context.Context, username, password, deviceID string) error {
	cmd := dynsecCommand{
		Command:  "createClient",
		Username: username,
		Password: password,
		ClientID: deviceID,
	}
	if r.deviceRole != "" {
		cmd.Roles = []dynsecRole{{Rolename: r.deviceRole}}
	}

	_, err := r.send(ctx, cmd)
	if isCommandError(err, "already exists") {
		err = r.resetPassword(ctx, username, password, deviceID)
	}
	if errors.Is(err, ErrUsernameTaken) {
		return err
	}
	if err != nil {
		return apperr.Unavailable("broker account creation failed", err)
	}
	return nil
}

// resetPassword reuses an account left over from an earlier epoch of the
// same device. Accounts bound to another client id are never touched.
func (r *DynSecRegistrar) resetPassword(ctx context.Context, username, password, deviceID string) error {
	client, err := r.getClient(ctx, username)
	if err != nil {
		return err
	}
	if client.ClientID != deviceID {
		r.logger.Logger.Error().
			Str("username", username).
			Str("device_id", deviceID).
			Str("bound_client_id", client.ClientID).
			Msg("Broker username already bound to another device")
		return ErrUsernameTaken
	}

	r.logger.Logger.Warn().Str("username", username).Msg("broker account already exists, resetting password")
	_, err = r.send(ctx, dynsecCommand{Command: "setClientPassword", Username: username, Password: password})
	return err
}

// RevokeAccount deletes the account of deviceID. An account with the same
// username bound to another device is left in place.
func (r *DynSecRegistrar) RevokeAccount(ctx context.Context, username, deviceID string) error {
	client, err := r.getClient(ctx, username)
	if isCommandError(err, "not found") {
		return nil
	}
	if err != nil {
		return apperr.Unavailable("broker account revocation failed", err)
	}
	if client.ClientID != deviceID {
		r.logger.Logger.Warn().
			Str("username", username).
			Str("device_id", deviceID).
			Str("bound_client_id", client.ClientID).
			Msg("Broker account belongs to another device, not revoking")
		return nil
	}

	_, err = r.send(ctx, dynsecCommand{Command: "deleteClient", Username: username})
	if isCommandError(err, "not found") {
		return nil
	}
	if err != nil {
		return apperr.Unavailable("broker account revocation failed", err)
	}
	return nil
}

func (r *DynSecRegistrar) getClient(ctx context.Context, username string) (dynsecClient, error) {
	res, err := r.send(ctx, dynsecCommand{Command: "getClient", Username: username})
	if err != nil {
		return dynsecClient{}, err
	}
	var data dynsecClientData
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return dynsecClient{}, fmt.Errorf("decode getClient response: %w", err)
	}
	return data.Client, nil
}

func isCommandError(err error, fragment string) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Message), fragment)
}

func (r *DynSecRegistrar) send(ctx context.Context, cmd dynsecCommand) (dynsecResult, error) {
	if !r.client.IsConnected() {
		return dynsecResult{}, errNotConnected
	}

	cmd.CorrelationData = uuid.NewString()
	payload, err := json.Marshal(dynsecRequest{Commands: []dynsecCommand{cmd}})
	if err != nil {
		return dynsecResult{}, fmt.Errorf("marshal %s: %w", cmd.Command, err)
	}

	ch := make(chan dynsecResult, 1)
	r.mu.Lock()
	r.pending[cmd.CorrelationData] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, cmd.CorrelationData)
		r.mu.Unlock()
	}()

	if err := waitToken(ctx, r.client.Publish(r.controlTopic, 1, false, payload)); err != nil {
		return dynsecResult{}, fmt.Errorf("publish %s: %w", cmd.Command, err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return res, &CommandError{Command: res.Command, Message: res.Error}
		}
		return res, nil
	case <-ctx.Done():
		return dynsecResult{}, fmt.Errorf("waiting for %s response: %w", cmd.Command, ctx.Err())
	}
}

func (r *DynSecRegistrar) subscribeResponses(c mqtt.Client) {
	topic := r.controlTopic + "/response"
	if tk := c.Subscribe(topic, 1, r.onResponse); tk.Wait() && tk.Error() != nil {
		r.logger.Logger.Error().Err(tk.Error()).Str("topic", topic).Msg("Failed to subscribe to dynsec responses")
		return
	}
	r.logger.Logger.Info().Str("topic", topic).Msg("MQTT admin connected")
}

func (r *DynSecRegistrar) onResponse(_ mqtt.Client, m mqtt.Message) {
	var resp dynsecResponse
	if err := json.Unmarshal(m.Payload(), &resp); err != nil {
		r.logger.Logger.Warn().Err(err).Msg("Unparseable dynsec response")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range resp.Responses {
		if ch, ok := r.pending[res.CorrelationData]; ok {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

func waitToken(ctx context.Context, tk mqtt.Token) error {
	select {
	case <-tk.Done():
		return tk.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func brokerURL(cfg config.MQTTConfig) string {
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerHost, cfg.BrokerPort)
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}
