package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	config "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Config"
	apperr "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Errors"
	logger "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.device_api/src/production/MQT.Models/api"
)

var errBreakerOpen = errors.New("circuit breaker is open")

// rejection is a definitive answer from the identity provider; it is not retried
type rejection struct {
	status int
}

func (r *rejection) Error() string {
	return fmt.Sprintf("identity provider rejected token with status %d", r.status)
}

// RemoteVerifier asks the identity provider's user endpoint who a token belongs to
type RemoteVerifier struct {
	userURL        string
	apiKey         string
	httpClient     *http.Client
	circuitBreaker *circuitBreaker
	timeout        time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *logger.Logger
}

// NewRemoteVerifier creates a verifier for cfg.RemoteURL
func NewRemoteVerifier(cfg config.IdentityConfig, log *logger.Logger) *RemoteVerifier {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &RemoteVerifier{
		userURL: cfg.RemoteURL,
		apiKey:  cfg.RemoteAPIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: newCircuitBreaker(threshold, cooldown),
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     200 * time.Millisecond,
		logger:         log.WithComponent("identity"),
	}
}

// Verify resolves token to an identity. Rejections map to unauthenticated,
// provider outages to unavailable.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (mqtmodels.Identity, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var user api_models.RemoteUser
	err := v.retryWithBackoff(ctx, func() error {
		var err error
		user, err = v.fetchUser(ctx, token)
		return err
	})

	var rejected *rejection
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		return mqtmodels.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, "invalid or expired token", err)
	default:
		v.logger.FromContext(ctx).Logger.Warn().Err(err).
			Str("breaker", v.circuitBreaker.currentState().String()).
			Msg("Identity provider unavailable")
		return mqtmodels.Identity{}, apperr.Unavailable("identity provider unavailable", err)
	}

	if user.ID == "" {
		return mqtmodels.Identity{}, apperr.New(apperr.KindUnauthenticated, "invalid or expired token")
	}
	return mqtmodels.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// retryWithBackoff executes operation with exponential backoff. Rejections
// stop the loop and count as a healthy provider.
func (v *RemoteVerifier) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if !v.circuitBreaker.canExecute() {
			return errBreakerOpen
		}

		err := operation()
		var rejected *rejection
		if err == nil || errors.As(err, &rejected) {
			v.circuitBreaker.onSuccess()
			return err
		}

		lastErr = err
		v.circuitBreaker.onFailure()

		if attempt == v.maxRetries {
			break
		}

		delay := time.Duration(float64(v.retryDelay) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("identity request failed after %d attempts: %w", v.maxRetries+1, lastErr)
}

func (v *RemoteVerifier) fetchUser(ctx context.Context, token string) (api_models.RemoteUser, error) {
	var user api_models.RemoteUser

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userURL, nil)
	if err != nil {
		return user, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "device-api")
	if v.apiKey != "" {
		req.Header.Set("X-API-Key", v.apiKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return user, fmt.Errorf("failed to reach identity provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return user, &rejection{status: resp.StatusCode}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return user, fmt.Errorf("identity provider returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return user, fmt.Errorf("failed to decode response: %w", err)
	}
	return user, nil
}
