package keypool

import "context"

// Prober performs one minimal generation call with a given key secret.
// Implemented by the upstream dispatcher; injected here so the registry
// stays free of transport concerns.
type Prober interface {
	Probe(ctx context.Context, modelID, secret string) (status int, body []byte, err error)
}

// TestResult is the outcome of exercising one key against the upstream.
type TestResult struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Test dispatches a minimal generation on the key. Success counts against
// the key's usage; 400/401/403 set the error flag. Network failures are
// reported without flagging the key.
func (m *Manager) Test(ctx context.Context, prober Prober, id, modelID string) (*TestResult, error) {
	k, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &TestResult{ID: id}
	status, body, err := prober.Probe(ctx, modelID, k.Secret)
	result.HTTPStatus = status
	result.Body = string(body)
	if err != nil && status == 0 {
		result.Error = err.Error()
		return result, nil
	}

	switch {
	case status >= 200 && status < 300:
		result.Success = true
		category, _, errResolve := m.cat.ResolveCategory(ctx, modelID)
		if errResolve != nil {
			return nil, errResolve
		}
		if errInc := m.IncrementUsage(ctx, id, modelID, category); errInc != nil {
			return nil, errInc
		}
	case status == 400 || status == 401 || status == 403:
		if errRecord := m.RecordError(ctx, id, status); errRecord != nil {
			return nil, errRecord
		}
	}
	return result, nil
}

// TestAll runs Test over every key in rotation order, serialized by the
// bulk-operation guard.
func (m *Manager) TestAll(ctx context.Context, prober Prober, modelID string) ([]TestResult, error) {
	if !m.opMu.TryLock() {
		return nil, ErrBusy
	}
	defer m.opMu.Unlock()

	ids, _, err := loadRotation(ctx, m.st)
	if err != nil {
		return nil, err
	}

	results := make([]TestResult, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		result, errTest := m.Test(ctx, prober, id, modelID)
		if errTest != nil {
			return results, errTest
		}
		results = append(results, *result)
	}
	return results, nil
}
