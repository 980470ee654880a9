// Package bootstrap installs the node daemon on a fresh host over SSH and
// registers it with the panel once it answers.
package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/nodewarden/internal/ssh"
	"github.com/3cpo-dev/nodewarden/internal/telemetry"
)

const (
	AgentBinaryName = "nodewarden-agent"
	UnitName        = "nodewarden-agent.service"
	UnitPath        = "/etc/systemd/system/" + UnitName
	EnvFilePath     = "/etc/nodewarden/agent.env"

	defaultRegisterInterval = 2 * time.Second
)

// Remote is an open session on the target host.
type Remote interface {
	Run(ctx context.Context, command string) (string, error)
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, host string) (Remote, error)
}

// Registrar accepts a node once its agent answers a probe.
type Registrar interface {
	RegisterAgent(ctx context.Context, nodeUUID, baseURL, apiKey string) bool
}

type Options struct {
	AgentBinary string
	InstallDir  string
	DataDir     string
	AgentPort   int
	// RegisterInterval spaces registration attempts while the daemon starts.
	RegisterInterval time.Duration
	Collector        *telemetry.Collector
}

// Request names the host to install and the identity it registers under.
// Empty NodeUUID and Token are generated.
type Request struct {
	Host     string
	NodeUUID string
	Token    string
}

type Result struct {
	NodeUUID string
	BaseURL  string
	Token    string
	Checksum string
}

type Installer struct {
	dialer    Dialer
	registrar Registrar
	opts      Options
}

func NewInstaller(dialer Dialer, registrar Registrar, opts Options) *Installer {
	if opts.RegisterInterval <= 0 {
		opts.RegisterInterval = defaultRegisterInterval
	}
	if opts.InstallDir == "" {
		opts.InstallDir = "/usr/local/bin"
	}
	if opts.DataDir == "" {
		opts.DataDir = "/var/lib/nodewarden"
	}
	if opts.AgentPort == 0 {
		opts.AgentPort = 8443
	}
	return &Installer{dialer: dialer, registrar: registrar, opts: opts}
}

// Install pushes the daemon binary, writes its unit and env file, starts it and
// registers the node. Registration is retried until ctx is done.
func (in *Installer) Install(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := in.install(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	in.opts.Collector.Counter("nodewarden_bootstrap_total", 1, map[string]string{"status": status})
	in.opts.Collector.Timer("nodewarden_bootstrap_duration", time.Since(start), nil)
	return res, err
}

func (in *Installer) install(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Host) == "" {
		return Result{}, errors.New("host is required")
	}
	if in.opts.AgentBinary == "" {
		return Result{}, errors.New("agent binary path is required")
	}
	if req.NodeUUID == "" {
		req.NodeUUID = uuid.NewString()
	}
	if req.Token == "" {
		tok, err := newToken()
		if err != nil {
			return Result{}, err
		}
		req.Token = tok
	}

	sum, err := checksum(in.opts.AgentBinary)
	if err != nil {
		return Result{}, fmt.Errorf("calculate local checksum: %w", err)
	}

	logger := log.With().Str("host", req.Host).Str("node", req.NodeUUID).Logger()
	logger.Info().Msg("connecting to host")
	remote, err := in.dialer.Dial(ctx, req.Host)
	if err != nil {
		return Result{}, fmt.Errorf("connect: %w", err)
	}
	defer remote.Close()

	binPath := path.Join(in.opts.InstallDir, AgentBinaryName)
	if err := in.pushBinary(ctx, remote, binPath, sum); err != nil {
		return Result{}, err
	}
	logger.Info().Str("path", binPath).Str("sha256", sum).Msg("agent binary installed")

	env := EnvFile(req.Token, in.opts.AgentPort, in.opts.DataDir)
	if err := remote.Upload(ctx, strings.NewReader(env), EnvFilePath, 0o600); err != nil {
		return Result{}, fmt.Errorf("write env file: %w", err)
	}
	if err := remote.Upload(ctx, strings.NewReader(SystemdUnit(binPath)), UnitPath, 0o644); err != nil {
		return Result{}, fmt.Errorf("write unit: %w", err)
	}
	enable := "systemctl daemon-reload && systemctl enable " + UnitName + " && systemctl restart " + UnitName
	if out, err := remote.Run(ctx, enable); err != nil {
		return Result{}, fmt.Errorf("start agent: %w: %s", err, strings.TrimSpace(out))
	}
	logger.Info().Msg("agent service started")

	baseURL := "http://" + net.JoinHostPort(req.Host, strconv.Itoa(in.opts.AgentPort))
	if err := in.register(ctx, req.NodeUUID, baseURL, req.Token); err != nil {
		return Result{}, err
	}
	logger.Info().Str("base_url", baseURL).Msg("node registered")
	return Result{NodeUUID: req.NodeUUID, BaseURL: baseURL, Token: req.Token, Checksum: sum}, nil
}

func (in *Installer) pushBinary(ctx context.Context, remote Remote, binPath, sum string) error {
	f, err := os.Open(in.opts.AgentBinary)
	if err != nil {
		return fmt.Errorf("open agent binary: %w", err)
	}
	defer f.Close()
	if err := remote.Upload(ctx, f, binPath, 0o755); err != nil {
		return fmt.Errorf("upload agent binary: %w", err)
	}
	out, err := remote.Run(ctx, "sha256sum "+shellQuote(binPath)+" | cut -d' ' -f1")
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	if got := strings.TrimSpace(out); got != sum {
		_, _ = remote.Run(ctx, "rm -f "+shellQuote(binPath))
		return fmt.Errorf("checksum mismatch: expected %s, got %s", sum, got)
	}
	return nil
}

func (in *Installer) register(ctx context.Context, nodeUUID, baseURL, token string) error {
	for attempt := 1; ; attempt++ {
		if in.registrar.RegisterAgent(ctx, nodeUUID, baseURL, token) {
			return nil
		}
		log.Debug().Str("node", nodeUUID).Int("attempt", attempt).Msg("agent not answering yet")
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent at %s did not come up: %w", baseURL, ctx.Err())
		case <-time.After(in.opts.RegisterInterval):
		}
	}
}

// SystemdUnit renders the daemon's service unit.
func SystemdUnit(binPath string) string {
	return fmt.Sprintf(`[Unit]
Description=Nodewarden Agent
After=network-online.target
Wants=network-online.target

[Service]
EnvironmentFile=%s
ExecStart=%s
Restart=always
RestartSec=2

[Install]
WantedBy=multi-user.target
`, EnvFilePath, binPath)
}

// EnvFile renders the daemon's environment file.
func EnvFile(token string, port int, dataDir string) string {
	return fmt.Sprintf("NODEWARDEN_AGENT_TOKEN=%s\nNODEWARDEN_AGENT_ADDR=:%d\nNODEWARDEN_AGENT_DATA=%s\n", token, port, dataDir)
}

func checksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SSHDialer opens sessions with the panel's key.
type SSHDialer struct {
	User     string
	Port     int
	Signer   xssh.Signer
	HostKeys xssh.HostKeyCallback
	Timeout  time.Duration
	Retries  int
}

func (d SSHDialer) Dial(ctx context.Context, host string) (Remote, error) {
	c := &ssh.Client{
		Host:       host,
		Port:       d.Port,
		User:       d.User,
		Signer:     d.Signer,
		KnownHosts: d.HostKeys,
		Timeout:    d.Timeout,
		Retries:    d.Retries,
	}
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
