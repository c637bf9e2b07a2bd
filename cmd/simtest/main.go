package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/shellexec/pkg/logger"
	sshc "github.com/sshcollectorpro/shellexec/pkg/ssh"
	"github.com/sshcollectorpro/shellexec/simulate"
)

func main() {
	srv, err := simulate.NewServer(simulate.DeviceConfig{
		Hostname: "HUAWEI",
		Username: "admin",
		Password: "nova",
		Banner:   "Info: The max number of VTY users is 10.",
		Commands: []simulate.CommandReply{
			{Command: "display version", Output: "Huawei Versatile Routing Platform Software\nVRP (R) software, Version 8.180\nHUAWEI CE6850 uptime is 10 days\n"},
			{Command: "display current-configuration", Output: "#\nsysname HUAWEI\n#\ninterface GE1/0/1 # uplink\n#\nreturn\n"},
		},
		ChunkSize: 16,
	})
	if err != nil {
		fmt.Println("simulate:", err)
		os.Exit(1)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		fmt.Println("listen:", err)
		os.Exit(1)
	}
	defer srv.Close()

	l := logger.GetLogger()
	l.SetLevel(logrus.DebugLevel)
	opts := sshc.DefaultOptions()
	opts.ReadTimeout = time.Second
	opts.Logger = l

	target := sshc.Target{Host: "127.0.0.1", Port: srv.Port(), Username: "admin", Password: "nova"}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for _, cmd := range []string{"display version", "display current-configuration", "show run"} {
		res, err := sshc.RunCommand(ctx, target, cmd, opts)
		if err != nil {
			fmt.Printf("%s error: %v\n", cmd, err)
			failed = true
			continue
		}
		fmt.Printf("%s (stopped by %s, %s):\n%s\n\n", cmd, res.StoppedBy, res.Duration.Round(time.Millisecond), headLines(res.CleanOutput, 10))
	}
	if failed {
		os.Exit(1)
	}
}

func headLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
