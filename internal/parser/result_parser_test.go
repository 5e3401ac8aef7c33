package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsePayload(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	tests := []struct {
		name    string
		logs    string
		want    string
		wantErr error
	}{
		{
			name: "last json line wins",
			logs: "starting engine\n{\"profit\": 1}\nprogress 50%\n{\"profit\": 2, \"trades\": 14}\ndone\n",
			want: `{"profit": 2, "trades": 14}`,
		},
		{
			name: "json beats error markers",
			logs: "CRITICAL: retrying download\n{\"profit\": 3}\n",
			want: `{"profit": 3}`,
		},
		{
			name: "truncated json is ignored",
			logs: "{\"profit\": 1}\n{\"profit\": \n",
			want: `{"profit": 1}`,
		},
		{
			name: "summary table",
			logs: strings.Join([]string{
				"┏━━━━━━━━━━━━━━━━━━━━┳━━━━━━━━━━┓",
				"│ Total trades       │ 42       │",
				"│ Total profit %     │ 12.5%    │",
				"│ Max Drawdown (abs) │ $1,200   │",
				"┗━━━━━━━━━━━━━━━━━━━━┻━━━━━━━━━━┛",
			}, "\n"),
			want: `{"total_trades": "42", "total_profit": "12.5%", "max_drawdown_abs": "$1,200"}`,
		},
		{
			name: "ascii table",
			logs: "| Sharpe | 1.7 |\n| Calmar | 0.4 |\n",
			want: `{"sharpe": "1.7", "calmar": "0.4"}`,
		},
		{
			name:    "traceback",
			logs:    "Traceback (most recent call last):\n  File \"engine.py\"\nValueError: bad\n",
			wantErr: ErrEngineOutput,
		},
		{
			name:    "go panic",
			logs:    "panic: runtime error: index out of range\n",
			wantErr: ErrEngineOutput,
		},
		{
			name:    "nothing usable",
			logs:    "loading data\nfinished\n",
			wantErr: ErrNoPayload,
		},
		{
			name:    "empty",
			logs:    "",
			wantErr: ErrNoPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParsePayload(tt.logs)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	logs := "ok\nFATAL: engine could not open data file\nmore output"
	assert.Equal(t, "FATAL: engine could not open data file", extractErrorMessage(logs, "FATAL:"))
	assert.Equal(t, "unknown error", extractErrorMessage(logs, "panic:"))
}

func TestLabelKey(t *testing.T) {
	assert.Equal(t, "max_drawdown_abs", labelKey("Max Drawdown (abs)"))
	assert.Equal(t, "win_rate", labelKey("  Win-Rate "))
	assert.Equal(t, "profit_factor", labelKey("Profit factor"))
}

func TestParsePayload_LongResultLine(t *testing.T) {
	p := NewParser(zaptest.NewLogger(t))

	// well past bufio's default 64KiB token limit
	trades := strings.Repeat(`"x",`, 40_000) + `"x"`
	line := `{"profit": 5, "trades": [` + trades + `]}`
	got, err := p.ParsePayload("engine started\n" + line + "\n")
	require.NoError(t, err)
	assert.Equal(t, line, string(got))
}
