package admin

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeController struct {
	calls []struct {
		chainIDs []uint64
		enabled  bool
	}
}

func (f *fakeController) SetUnderwritingEnabled(chainIDs []uint64, enabled bool) {
	f.calls = append(f.calls, struct {
		chainIDs []uint64
		enabled  bool
	}{chainIDs, enabled})
}

func TestEnableUnderwritingAppliesToScopedChains(t *testing.T) {
	ctrl := &fakeController{}
	srv := New(ctrl)

	req := httptest.NewRequest(http.MethodPost, "/enableUnderwriting", bytes.NewBufferString(`{"chainIds":[1,2]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, ctrl.calls, 1)
	require.True(t, ctrl.calls[0].enabled)
	require.Equal(t, []uint64{1, 2}, ctrl.calls[0].chainIDs)
}

func TestDisableUnderwritingWithEmptyBodyAppliesToAllChains(t *testing.T) {
	ctrl := &fakeController{}
	srv := New(ctrl)

	req := httptest.NewRequest(http.MethodPost, "/disableUnderwriting", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, ctrl.calls, 1)
	require.False(t, ctrl.calls[0].enabled)
	require.Empty(t, ctrl.calls[0].chainIDs)
}

func TestInvalidBodyRejected(t *testing.T) {
	ctrl := &fakeController{}
	srv := New(ctrl)

	req := httptest.NewRequest(http.MethodPost, "/enableUnderwriting", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, ctrl.calls)
}
