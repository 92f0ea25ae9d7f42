// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tombee/axon/pkg/errors"
)

func TestCapabilityError(t *testing.T) {
	err := &errors.CapabilityError{NodeID: "fetch", Key: "secret", Op: "read"}
	assert.Contains(t, err.Error(), `"fetch"`)
	assert.Contains(t, err.Error(), `"secret"`)
	assert.Contains(t, err.Error(), "read")
	assert.True(t, errors.IsCapability(err))
	assert.True(t, errors.IsCapability(errors.Wrap(err, "attempt 2")))
	assert.False(t, errors.IsCapability(stderrors.New("other")))
}

func TestExecutionError(t *testing.T) {
	cause := stderrors.New("backend unavailable")
	err := &errors.ExecutionError{NodeID: "a", NodeName: "analyze", Attempts: 3, Cause: cause}

	assert.Contains(t, err.Error(), `"analyze"`)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.True(t, stderrors.Is(err, cause))

	// Falls back to the node id when no name is set.
	anon := &errors.ExecutionError{NodeID: "a", Attempts: 1, Cause: cause}
	assert.Contains(t, anon.Error(), `"a"`)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, errors.Wrap(nil, "context"))
	assert.NoError(t, errors.Wrapf(nil, "context %d", 1))
}

func TestPersistenceError(t *testing.T) {
	cause := stderrors.New("disk full")
	err := &errors.PersistenceError{Store: "checkpoint", RunID: "run-1", Cause: cause}
	assert.Contains(t, err.Error(), "checkpoint")
	assert.Contains(t, err.Error(), "run-1")
	assert.True(t, stderrors.Is(err, cause))
}
