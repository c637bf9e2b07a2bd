package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputLines(t *testing.T) {
	out := "l1\r\nl2\r\nl3\r\nl4\r\nl5\r\nl6\r\nl7\r\n"
	lines := ParseOutputLines(out, 3)
	assert.Equal(t, []string{"l1", "l2", "l3"}, lines.HeadLines)
	assert.Equal(t, []string{"l5", "l6", "l7"}, lines.TailLines)
	assert.Equal(t, 7, lines.Total)
	assert.Equal(t, "head-lines: [l1 ⟩ l2 ⟩ l3], tail-lines: [l5 ⟩ l6 ⟩ l7]", FormatOutputLines(lines))

	short := ParseOutputLines("a\nb", 5)
	assert.Equal(t, "head-lines: [a ⟩ b]", FormatOutputLines(short))

	assert.Zero(t, ParseOutputLines("", 5).Total)
}

func TestDebugCommandOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)

	DebugCommandOutput(l.WithField("host", "10.0.0.1"), "display version", "line", 5)
	assert.Empty(t, buf.String())

	l.SetLevel(logrus.DebugLevel)
	DebugCommandOutput(l.WithField("host", "10.0.0.1"), "display version", "line", 5)
	assert.Contains(t, buf.String(), "Command echo [display version]")
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shellexec.log")
	l, err := New(Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.DirExists(t, filepath.Dir(path))

	_, err = New(Config{Output: "file"})
	assert.Error(t, err)
	_, err = New(Config{Output: "syslog"})
	assert.Error(t, err)
}

func TestForRequestGeneratesID(t *testing.T) {
	e := ForRequest("")
	id, ok := e.Data["request_id"].(string)
	require.True(t, ok)
	assert.Len(t, id, 36)
	assert.Equal(t, "abc", ForRequest("abc").Data["request_id"])
}

// TestInitConcurrentWithRequests 热更新与请求日志并发进行，全局实例保持不变
func TestInitConcurrentWithRequests(t *testing.T) {
	dir := t.TempDir()
	before := GetLogger()
	t.Cleanup(func() { _ = Init(Config{Level: "info", Output: "console"}) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			level := "info"
			if i%2 == 0 {
				level = "debug"
			}
			assert.NoError(t, Init(Config{Level: level, Format: "json", Output: "file", FilePath: filepath.Join(dir, "shellexec.log")}))
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				ForRequest("").Info("request")
			}
		}()
	}
	wg.Wait()

	assert.Same(t, before, GetLogger())
	require.NoError(t, Init(Config{Level: "warn", Output: "file", FilePath: filepath.Join(dir, "shellexec.log")}))
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
	GetLogger().Warn("reloaded")
	_, err := os.Stat(filepath.Join(dir, "shellexec.log"))
	assert.NoError(t, err)
}
