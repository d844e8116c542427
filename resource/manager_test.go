package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/ufoflow/buffer"
)

func TestNewFallsBackToCPUOnlyWithoutOpenCL(t *testing.T) {
	m, err := New(Config{PoolBucketCap: 4})
	require.NoError(t, err, "New must not fail just because no OpenCL platform is present")
	defer m.Close()

	if m.NumGPUs() > 0 {
		t.Skip("an OpenCL platform is present in this environment; CPU-fallback path not exercised")
	}

	_, err = m.GetKernel("__kernel void noop() {}", "noop")
	assert.Error(t, err, "GetKernel must fail cleanly with no context rather than panic")
}

func TestAcquireReleaseBufferDelegatesToPool(t *testing.T) {
	m, err := New(Config{PoolBucketCap: 4})
	require.NoError(t, err)
	defer m.Close()

	req := buffer.Requisition{NumDims: 1, Dims: [3]int{4}}
	b := m.AcquireBuffer(req, buffer.Host)
	require.NotNil(t, b)
	m.ReleaseBuffer(b)

	assert.Equal(t, 0, m.Pool().Outstanding(1))
}

func TestConfigFromEnvParsesDeviceList(t *testing.T) {
	t.Setenv("OCL_DEVICES", "0,2")
	t.Setenv("OCL_INCLUDE_PATH", "/opt/cl/include:/usr/local/cl")

	cfg := ConfigFromEnv()
	assert.Equal(t, []int{0, 2}, cfg.GPUDevices)
	assert.Equal(t, []string{"/opt/cl/include", "/usr/local/cl"}, cfg.IncludePaths)
}
