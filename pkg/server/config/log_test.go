package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type arrayEncoder struct {
	zapcore.PrimitiveArrayEncoder
	elems []string
}

func (a *arrayEncoder) AppendString(s string) {
	a.elems = append(a.elems, s)
}

func TestLog_Adjust(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tests := []struct {
		name    string
		in      *Log
		want    *Log
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			in:   NewLog(),
			want: &Log{
				Zap:            zap.NewProductionConfig(),
				Rotate:         Rotate{},
				EnableRotation: false,
				Level:          "",
			},
		},
		{
			name: "normal config",
			in: func() *Log {
				l := NewLog()
				l.Zap.OutputPaths = []string{"test-output-path1", "/test-output-path2", "stderr", "stdout"}
				l.Zap.ErrorOutputPaths = nil
				l.EnableRotation = true
				l.Level = "DEBUG"
				return l
			}(),
			want: &Log{
				Zap: func() zap.Config {
					z := zap.NewProductionConfig()
					z.OutputPaths = []string{"rotate:" + filepath.Join(wd, "/test-output-path1"), "rotate:/test-output-path2", "stderr", "stdout"}
					z.ErrorOutputPaths = []string{"rotate:" + filepath.Join(wd, "/test-output-path1"), "rotate:/test-output-path2", "stderr", "stdout"}
					z.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
					return z
				}(),
				Rotate:         Rotate{},
				EnableRotation: true,
				Level:          "DEBUG",
			},
		},
		{
			name: "keep error output paths",
			in: func() *Log {
				l := NewLog()
				l.Zap.OutputPaths = []string{"stdout"}
				l.Zap.ErrorOutputPaths = []string{"stderr"}
				l.Level = "warn"
				return l
			}(),
			want: &Log{
				Zap: func() zap.Config {
					z := zap.NewProductionConfig()
					z.OutputPaths = []string{"stdout"}
					z.ErrorOutputPaths = []string{"stderr"}
					z.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
					return z
				}(),
				Level: "warn",
			},
		},
		{
			name: "invalid log level",
			in: func() *Log {
				l := NewLog()
				l.Level = "BAD"
				return l
			}(),
			wantErr: true,
			errMsg:  "parse log level",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			err := tt.in.Adjust()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)

			equal(re, tt.want.Zap, tt.in.Zap)
			tt.want.Zap = zap.Config{}
			tt.in.Zap = zap.Config{}

			re.Equal(tt.want, tt.in)
		})
	}
}

func TestLogRotation(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tempDir := t.TempDir()

	l := NewLog()
	l.EnableRotation = true
	l.Rotate.MaxSize = 1
	l.Rotate.MaxBackups = 3
	l.Zap.OutputPaths = []string{filepath.Join(tempDir, "test1", "remoting.log")}

	err := l.Adjust()
	re.NoError(err)
	logger, err := l.Logger()
	re.NoError(err)

	msg := string(make([]byte, 1<<12))
	for i := 0; i < 4096; i++ {
		logger.Info(msg)
	}

	// old backups are removed in the background
	re.Eventually(func() bool {
		entries, err := os.ReadDir(filepath.Join(tempDir, "test1"))
		return err == nil && len(entries) == 4
	}, 5*time.Second, 10*time.Millisecond)
	entries, err := os.ReadDir(filepath.Join(tempDir, "test1"))
	re.NoError(err)
	for _, entry := range entries {
		info, err := entry.Info()
		re.NoError(err)
		re.LessOrEqual(info.Size(), int64(1<<20))
	}

	// another logger on other files shares the registered sink
	l2 := NewLog()
	l2.EnableRotation = true
	l2.Zap.OutputPaths = []string{filepath.Join(tempDir, "test2", "remoting.log")}
	re.NoError(l2.Adjust())
	logger2, err := l2.Logger()
	re.NoError(err)
	logger2.Info("hello")
	_, err = os.Stat(filepath.Join(tempDir, "test2", "remoting.log"))
	re.NoError(err)
}

func TestDurationEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want string
	}{
		{name: "nanoseconds", in: 15 * time.Nanosecond, want: "15ns"},
		{name: "microseconds", in: 1500 * time.Nanosecond, want: "1us"},
		{name: "milliseconds", in: 15 * time.Millisecond, want: "15ms"},
		{name: "seconds", in: 2500 * time.Millisecond, want: "2.500s"},
		{name: "minutes", in: time.Minute, want: "60.000s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			enc := &arrayEncoder{}
			DurationEncoder(tt.in, enc)
			re.Equal([]string{tt.want}, enc.elems)
		})
	}
}

func Test_indexByteBackward(t *testing.T) {
	type args struct {
		s   string
		c   byte
		cnt int
	}
	tests := []struct {
		name string
		args args
		want int
	}{
		{
			name: "normal",
			args: args{
				s:   "a/b/c/d/e.go",
				c:   '/',
				cnt: 2,
			},
			want: 5,
		},
		{
			name: "not found",
			args: args{
				s:   "a/b/c/d/e.go",
				c:   '/',
				cnt: 10,
			},
			want: -1,
		},
		{
			name: "cnt is 0",
			args: args{
				s:   "a/b/c/d/e.go",
				c:   '/',
				cnt: 0,
			},
			want: 12,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			got := indexByteBackward(tt.args.s, tt.args.c, tt.args.cnt)
			re.Equal(tt.want, got)
		})
	}
}

func equal(re *require.Assertions, wantZap zap.Config, actualZap zap.Config) {
	re.Equal(wantZap.Level.String(), actualZap.Level.String())
	re.Equal(wantZap.Encoding, actualZap.Encoding)
	re.Equal(wantZap.OutputPaths, actualZap.OutputPaths)
	re.Equal(wantZap.ErrorOutputPaths, actualZap.ErrorOutputPaths)
	re.Equal(wantZap.Development, actualZap.Development)
	re.Equal(wantZap.DisableStacktrace, actualZap.DisableStacktrace)
	re.Equal(wantZap.DisableCaller, actualZap.DisableCaller)
}
