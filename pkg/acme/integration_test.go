//go:build integration

package acme

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startStepCA starts a step-ca container and returns its URL and root CA.
func startStepCA(ctx context.Context, t *testing.T) (string, []byte) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "smallstep/step-ca:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"DOCKER_STEPCA_INIT_NAME":             "wsbridge Test CA",
			"DOCKER_STEPCA_INIT_DNS_NAMES":        "localhost,step-ca",
			"DOCKER_STEPCA_INIT_PROVISIONER_NAME": "acme",
			"DOCKER_STEPCA_INIT_ACME":             "true",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Serving HTTPS"),
			wait.ForListeningPort("9000/tcp"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	reader, err := container.CopyFileFromContainer(ctx, "/home/step/certs/root_ca.crt")
	require.NoError(t, err)
	defer reader.Close()
	rootCA, err := io.ReadAll(reader)
	require.NoError(t, err)

	return fmt.Sprintf("https://localhost:%s", port.Port()), rootCA
}

func TestIntegration_ObtainAndServe(t *testing.T) {
	ctx := context.Background()
	url, rootCA := startStepCA(ctx, t)

	dir := t.TempDir()
	caBundle := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caBundle, rootCA, 0o644))

	c, err := NewClient(Config{
		Enabled:       true,
		DirectoryURL:  url + "/acme/acme/directory",
		Email:         "ops@wsbridge.local",
		Domains:       []string{"localhost"},
		ChallengeType: ChallengeHTTP01,
		ChallengePort: "5002",
		StoragePath:   filepath.Join(dir, "acme"),
		CABundle:      caBundle,
	})
	require.NoError(t, err)

	cert, issued, err := c.Certificate(ctx)
	if err != nil {
		// The CA container cannot reach the host challenge port on every
		// Docker setup.
		t.Skipf("challenge not reachable from step-ca: %v", err)
	}
	assert.True(t, issued)

	var store CertStore
	require.NoError(t, store.Set(cert))
	assert.True(t, store.NotAfter().After(time.Now()))

	again, issued, err := c.Certificate(ctx)
	require.NoError(t, err)
	assert.False(t, issued, "a fresh certificate is served from storage")
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}
