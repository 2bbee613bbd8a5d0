package reqshield

import (
	"net/http"
	"testing"
)

func TestSecurityError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "rate_limit_exceeded",
			description: "Too many requests",
			want:        "rate_limit_exceeded: Too many requests",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SecurityError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("SecurityError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *SecurityError
		wantCode   string
		wantStatus int
	}{
		{
			name:       "rate limit exceeded",
			err:        ErrRateLimitExceeded("budget exhausted"),
			wantCode:   ErrorCodeRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "threat detected",
			err:        ErrThreatDetected("payload matched catalog"),
			wantCode:   ErrorCodeThreatDetected,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "verification failed",
			err:        ErrVerificationFailed("fused risk too high"),
			wantCode:   ErrorCodeVerificationFail,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "invalid request",
			err:        ErrInvalidRequest("malformed descriptor"),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "server error",
			err:        ErrServerError("backend unavailable"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}
