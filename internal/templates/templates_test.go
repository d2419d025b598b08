package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

const sample = `
templates:
  - code: far-standard
    transfer_type: far
    name: Standard FAR
    description: two level approval
    stages:
      - order: 1
        name: Manager
        policy: any
        required_role: manager
        sla_hours: 24
      - order: 2
        name: Finance
        policy: QUORUM
        quorum_count: 2
        required_role: finance
        allow_delegate: false
        parallel_group: 1
  - code: gen
    transfer_type: GEN
    stages:
      - order: 1
        name: Controller
        policy: ALL
        allow_reject: false
`

func TestParse(t *testing.T) {
	tpls, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, tpls, 2)

	far := tpls[0]
	assert.Equal(t, "far-standard", far.Code)
	assert.Equal(t, repository.TransferTypeFAR, far.TransferType)
	require.NotNil(t, far.Description)
	require.Len(t, far.Stages, 2)

	mgr := far.Stages[0]
	assert.Equal(t, repository.PolicyAny, mgr.DecisionPolicy)
	assert.True(t, mgr.AllowReject)
	assert.True(t, mgr.AllowDelegate)
	require.NotNil(t, mgr.SLAHours)
	assert.Equal(t, 24, *mgr.SLAHours)
	assert.Nil(t, mgr.ParallelGroup)

	fin := far.Stages[1]
	assert.Equal(t, repository.PolicyQuorum, fin.DecisionPolicy)
	require.NotNil(t, fin.QuorumCount)
	assert.Equal(t, 2, *fin.QuorumCount)
	assert.False(t, fin.AllowDelegate)
	require.NotNil(t, fin.ParallelGroup)

	gen := tpls[1]
	assert.Nil(t, gen.Stages[0].RequiredRole)
	assert.False(t, gen.Stages[0].AllowReject)
}

func TestParseRejectsBadInput(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key": "templates:\n  - code: x\n    colour: red\n",
		"empty":       "",
		"no list":     "templates: []\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	tpls, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, tpls, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}
