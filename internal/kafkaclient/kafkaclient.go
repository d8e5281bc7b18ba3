// Package kafkaclient wraps a sarama cluster admin connection with the two
// operations the sync engine needs against SCRAM credentials, guarded by a
// circuit breaker and per-call timeouts.
package kafkaclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/sony/gobreaker"

	"github.com/scramsync/kcsync/internal/kcerr"
	"github.com/scramsync/kcsync/internal/scram"
)

// SecurityProtocol is the broker transport/auth mode, mirroring
// KAFKA_SECURITY_PROTOCOL.
type SecurityProtocol string

const (
	ProtocolPlaintext SecurityProtocol = "PLAINTEXT"
	ProtocolSSL       SecurityProtocol = "SSL"
	ProtocolSASLSSL   SecurityProtocol = "SASL_SSL"
)

// SASLMechanism is the admin connection's own SASL mechanism, independent
// of the SCRAM mechanisms it manages for downstream principals.
type SASLMechanism string

const (
	SASLPlain     SASLMechanism = "PLAIN"
	SASLSCRAM256  SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAM512  SASLMechanism = "SCRAM-SHA-512"
)

// Config configures the admin connection.
type Config struct {
	BootstrapServers []string
	SecurityProtocol SecurityProtocol
	SASLMechanism    SASLMechanism
	SASLUsername     string
	SASLPassword     string
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
	ClientID         string
	CallTimeout      time.Duration // default 30s
}

// Upsertion requests a SCRAM credential be created or replaced for a
// principal.
type Upsertion struct {
	Principal  string
	Mechanism  scram.Mechanism
	Iterations int
	Credential scram.Credential
	// Password is the transient plaintext password sarama needs to derive
	// the salted password on the wire; it is never logged or persisted.
	Password string
}

// Deletion requests a SCRAM credential be removed for a principal.
type Deletion struct {
	Principal string
	Mechanism scram.Mechanism
}

// PrincipalResult is the per-principal outcome of an Alter call.
type PrincipalResult struct {
	Principal string
	Err       error
}

// Client is a circuit-breaker-guarded sarama cluster admin wrapper. It is
// created once at startup and closed on shutdown.
type Client struct {
	admin   sarama.ClusterAdmin
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New dials the cluster and returns a ready admin client.
func New(cfg Config) (*Client, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V3_6_0_0
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	} else {
		saramaCfg.ClientID = "kcsync"
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	saramaCfg.Net.DialTimeout = 10 * time.Second
	saramaCfg.Net.ReadTimeout = timeout
	saramaCfg.Metadata.Retry.Max = 3
	saramaCfg.Metadata.Retry.Backoff = 250 * time.Millisecond

	if err := configureSecurity(saramaCfg, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", kcerr.ErrConfigInvalid, err)
	}

	admin, err := sarama.NewClusterAdmin(cfg.BootstrapServers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating kafka admin client: %v", kcerr.ErrDependencyUnavailable, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-admin",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{admin: admin, breaker: breaker, timeout: timeout}, nil
}

func configureSecurity(cfg *sarama.Config, c Config) error {
	switch c.SecurityProtocol {
	case ProtocolPlaintext, "":
		return nil
	case ProtocolSSL:
		tlsConfig, err := buildTLSConfig(c)
		if err != nil {
			return err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsConfig
		return nil
	case ProtocolSASLSSL:
		tlsConfig, err := buildTLSConfig(c)
		if err != nil {
			return err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsConfig
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASLUsername
		cfg.Net.SASL.Password = c.SASLPassword
		cfg.Net.SASL.Handshake = true
		switch c.SASLMechanism {
		case SASLPlain, "":
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case SASLSCRAM256:
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return newXDGClient(scram.SHA256) }
		case SASLSCRAM512:
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return newXDGClient(scram.SHA512) }
		default:
			return fmt.Errorf("unsupported SASL mechanism %q", c.SASLMechanism)
		}
		return nil
	default:
		return fmt.Errorf("unsupported security protocol %q", c.SecurityProtocol)
	}
}

func buildTLSConfig(c Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("appending CA certificate to pool")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func toScramMechanismType(m scram.Mechanism) sarama.ScramMechanismType {
	switch m {
	case scram.SHA256:
		return sarama.SCRAM_MECHANISM_SHA_256
	case scram.SHA512:
		return sarama.SCRAM_MECHANISM_SHA_512
	default:
		return sarama.SCRAM_MECHANISM_UNKNOWN
	}
}

// Describe returns, for each requested principal, the set of SCRAM
// mechanisms currently configured. An empty users slice describes all
// principals that carry a SCRAM credential.
func (c *Client) Describe(ctx context.Context, principals []string) (map[string]map[scram.Mechanism]struct{}, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.describeOnce(principals)
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return out.(map[string]map[scram.Mechanism]struct{}), nil
}

func (c *Client) describeOnce(principals []string) (map[string]map[scram.Mechanism]struct{}, error) {
	results, err := c.admin.DescribeUserScramCredentials(principals)
	if err != nil {
		return nil, fmt.Errorf("describing scram credentials: %w", err)
	}

	out := make(map[string]map[scram.Mechanism]struct{}, len(results))
	for _, r := range results {
		if r.ErrorCode != sarama.ErrNoError {
			continue
		}
		mechs := make(map[scram.Mechanism]struct{}, len(r.CredentialInfos))
		for _, info := range r.CredentialInfos {
			switch info.Mechanism {
			case sarama.SCRAM_MECHANISM_SHA_256:
				mechs[scram.SHA256] = struct{}{}
			case sarama.SCRAM_MECHANISM_SHA_512:
				mechs[scram.SHA512] = struct{}{}
			}
		}
		out[r.User] = mechs
	}
	return out, nil
}

// Alter submits a batch of upserts and deletions. Results are resolved
// per-principal: a failure on one principal does not prevent the others
// from succeeding.
func (c *Client) Alter(ctx context.Context, upserts []Upsertion, deletions []Deletion) ([]PrincipalResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.alterOnce(upserts, deletions)
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return out.([]PrincipalResult), nil
}

func (c *Client) alterOnce(upserts []Upsertion, deletions []Deletion) ([]PrincipalResult, error) {
	saramaUpserts := make([]*sarama.AlterUserScramCredentialsUpsert, 0, len(upserts))
	for _, u := range upserts {
		saramaUpserts = append(saramaUpserts, &sarama.AlterUserScramCredentialsUpsert{
			Name:       u.Principal,
			Mechanism:  toScramMechanismType(u.Mechanism),
			Iterations: int32(u.Iterations),
			Salt:       u.Credential.Salt,
			Password:   []byte(u.Password),
		})
	}

	saramaDeletions := make([]*sarama.AlterUserScramCredentialsDelete, 0, len(deletions))
	for _, d := range deletions {
		saramaDeletions = append(saramaDeletions, &sarama.AlterUserScramCredentialsDelete{
			Name:      d.Principal,
			Mechanism: toScramMechanismType(d.Mechanism),
		})
	}

	results, err := c.admin.AlterUserScramCredentials(saramaUpserts, saramaDeletions)
	if err != nil {
		if err == sarama.ErrUnsupportedVersion {
			return nil, fmt.Errorf("%w: broker does not support AlterUserScramCredentials: %v", kcerr.ErrConfigInvalid, err)
		}
		return nil, fmt.Errorf("altering scram credentials: %w", err)
	}

	out := make([]PrincipalResult, 0, len(results))
	for _, r := range results {
		var perErr error
		if r.ErrorCode != sarama.ErrNoError {
			perErr = fmt.Errorf("%s", r.ErrorCode.Error())
		}
		out = append(out, PrincipalResult{Principal: r.User, Err: perErr})
	}
	return out, nil
}

func (c *Client) classify(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", kcerr.ErrCircuitOpen, err)
	}
	return fmt.Errorf("%w: %v", kcerr.ErrTransient, err)
}

// Close releases the underlying broker connections.
func (c *Client) Close() error {
	return c.admin.Close()
}
