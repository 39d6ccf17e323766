package synthesis_test

import (
	"testing"

	"github.com/book-expert/speech-pipeline/internal/synthesis"
	"github.com/stretchr/testify/assert"
)

func TestParseCreditInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		want  synthesis.CreditInfo
		found bool
	}{
		{
			name:  "quota sentence",
			raw:   `{"detail":{"status":"quota_exceeded","message":"This request exceeds your quota. You have 50 credits remaining, while 120 credits are required for this request."}}`,
			want:  synthesis.CreditInfo{Remaining: 50, Required: 120},
			found: true,
		},
		{
			name:  "snake case field",
			raw:   `{"error":"limited","credits_remaining": 250}`,
			want:  synthesis.CreditInfo{Remaining: 250, Required: 0},
			found: true,
		},
		{
			name:  "plain text",
			raw:   `quota exceeded: 0 credits remaining`,
			want:  synthesis.CreditInfo{Remaining: 0, Required: 0},
			found: true,
		},
		{
			name:  "negative balance",
			raw:   `credits_remaining=-12, credits_required=40`,
			want:  synthesis.CreditInfo{Remaining: -12, Required: 40},
			found: true,
		},
		{
			name:  "camel case json",
			raw:   `{"detail":{"creditsRemaining":"75","creditsRequired":300}}`,
			want:  synthesis.CreditInfo{Remaining: 75, Required: 300},
			found: true,
		},
		{
			name:  "nested credits object",
			raw:   `{"detail":{"status":"quota_exceeded","credits":{"remaining":10,"required":90}}}`,
			want:  synthesis.CreditInfo{Remaining: 10, Required: 90},
			found: true,
		},
		{
			name:  "credits inside array",
			raw:   `{"errors":[{"quota":{"remaining":5}}]}`,
			want:  synthesis.CreditInfo{Remaining: 5, Required: 0},
			found: true,
		},
		{
			name:  "no credit information",
			raw:   `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`,
			want:  synthesis.CreditInfo{Remaining: 0, Required: 0},
			found: false,
		},
		{
			name:  "not json",
			raw:   `<html>Bad Gateway</html>`,
			want:  synthesis.CreditInfo{Remaining: 0, Required: 0},
			found: false,
		},
		{
			name:  "empty",
			raw:   ``,
			want:  synthesis.CreditInfo{Remaining: 0, Required: 0},
			found: false,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			info, found := synthesis.ParseCreditInfo([]byte(testCase.raw))
			assert.Equal(t, testCase.found, found)
			assert.Equal(t, testCase.want, info)
		})
	}
}
