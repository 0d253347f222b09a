// Package executor runs admitted commands against AWS, the one piece of the
// gateway that actually touches the cloud. Credentials come from assuming a
// role ARN looked up per account rather than a local profile, so one
// gateway process can safely execute against many accounts.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/google/uuid"

	"github.com/bgdnvk/bouncer/internal/normalize"
)

// AccountLookup resolves the role ARN and region an account must execute
// under. The executor does not own account storage; cmd/serve.go wires this
// to the configured store's AccountStore.
type AccountLookup func(ctx context.Context, accountID string) (roleARN, region string, err error)

// Executor runs a validated command string against a single AWS account,
// satisfying pipeline.Executor's structural shape. Credentials are minted
// per invocation and handed to the child process's environment only; no
// long-lived credential ever touches the parent environment.
type Executor struct {
	stsClient *sts.Client
	lookup    AccountLookup
	binary    string // "aws" in production, overridable in tests

	// sessionMu serializes invocations when the underlying mechanism is process-
	// global. The subprocess path below does not need it (each child gets
	// its own environment slice), but sessionMu still guards the one
	// process-global resource this package touches: os.Environ() capture
	// for callers that must shell out to tools reading ambient AWS_*
	// variables instead of accepting an env slice directly.
	sessionMu sync.Mutex
}

func New(stsClient *sts.Client, lookup AccountLookup) *Executor {
	return &Executor{stsClient: stsClient, lookup: lookup, binary: "aws"}
}

// NewFromDefaultConfig loads the ambient AWS SDK config (for the STS calls
// used to assume into target accounts) and wires it into a new Executor.
func NewFromDefaultConfig(ctx context.Context, lookup AccountLookup) (*Executor, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: load SDK config: %w", err)
	}
	return New(sts.NewFromConfig(cfg), lookup), nil
}

// mintedCredentials are short-lived, invocation-scoped credentials. They are
// never written to the parent process's environment.
type mintedCredentials struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
}

func (e *Executor) assumeRole(ctx context.Context, roleARN string) (*mintedCredentials, error) {
	sessionName := "bouncer-" + uuid.NewString()[:8]
	out, err := e.stsClient.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(900),
	})
	if err != nil {
		return nil, fmt.Errorf("executor: assume role %s: %w", roleARN, err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("executor: assume role %s: no credentials returned", roleARN)
	}
	return &mintedCredentials{
		accessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		secretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		sessionToken:    aws.ToString(out.Credentials.SessionToken),
	}, nil
}

// Execute runs command against accountID's assumed role and returns the
// combined stdout+stderr, exit code, and wall time of the child process.
// Credentials are passed via the child's environment only.
func (e *Executor) Execute(ctx context.Context, command, accountID string) (string, int, time.Duration, error) {
	roleARN, region, err := e.lookup(ctx, accountID)
	if err != nil {
		return "", -1, 0, fmt.Errorf("executor: resolve account %s: %w", accountID, err)
	}

	var env []string
	if roleARN != "" {
		creds, err := e.assumeRole(ctx, roleARN)
		if err != nil {
			return "", -1, 0, err
		}
		env = []string{
			"AWS_ACCESS_KEY_ID=" + creds.accessKeyID,
			"AWS_SECRET_ACCESS_KEY=" + creds.secretAccessKey,
			"AWS_SESSION_TOKEN=" + creds.sessionToken,
		}
	}
	if region != "" {
		env = append(env, "AWS_DEFAULT_REGION="+region)
	}
	env = append(env, minimalAmbientEnv()...)

	args, err := splitArgv(command)
	if err != nil {
		return "", -1, 0, fmt.Errorf("executor: %w", err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return out.String(), -1, elapsed, fmt.Errorf("executor: run %s: %w", e.binary, runErr)
		}
	}

	return out.String(), exitCode, elapsed, nil
}

// minimalAmbientEnv forwards only the handful of non-credential variables
// the aws CLI needs to locate its own binary and config directory, so the
// child never inherits the parent's full environment — and therefore never
// inherits any credentials already present there.
func minimalAmbientEnv() []string {
	var out []string
	for _, key := range []string{"PATH", "HOME", "AWS_CONFIG_FILE", "AWS_CA_BUNDLE"} {
		if v, ok := os.LookupEnv(key); ok {
			out = append(out, key+"="+v)
		}
	}
	return out
}

// splitArgv re-lexes command with the same quote-aware tokenizer
// normalize.Parse used when the command was first classified, so a quoted
// argument like --tags "Key=Name,Value=my instance" reaches the child
// process as one argv element instead of being torn apart on the space
// inside the quotes.
func splitArgv(command string) ([]string, error) {
	fields, err := normalize.Parse(command)
	if err != nil {
		return nil, err
	}
	// Drop a leading "aws" token if normalize left one; e.Execute always
	// invokes e.binary itself.
	if strings.EqualFold(fields[0], "aws") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command after stripping binary name")
	}
	return fields, nil
}

// WithCapturedEnv runs fn while holding sessionMu, capturing the current
// process environment first and restoring it afterward on every exit path
// including panics. Only used by callers forced to mutate os.Environ for a
// vendored SDK path that reads ambient AWS_* variables instead of accepting
// a config.Config value directly; the subprocess path above never needs it.
func (e *Executor) WithCapturedEnv(mutate func(), fn func() error) error {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	prior := os.Environ()
	defer func() {
		os.Clearenv()
		for _, kv := range prior {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				os.Setenv(kv[:i], kv[i+1:])
			}
		}
	}()

	mutate()
	return fn()
}
