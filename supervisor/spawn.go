// supervisor/spawn.go
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"fanctl-go/logger"
)

// PkexecTransport launches the helper binary through the polkit agent.
// pkexec may show the user one authentication prompt per spawn, or none if
// a policy pre-authorizes the exact helper path; the supervisor only
// depends on "spawn succeeds or fails".
type PkexecTransport struct {
	PkexecPath string // elevation broker, default "pkexec"
	HelperPath string // absolute path of the helper binary
	Args       []string
}

func (t *PkexecTransport) String() string {
	return fmt.Sprintf("pkexec %s", t.HelperPath)
}

// Open spawns one helper process with piped stdin/stdout. Stderr is drained
// to the log so helper warnings (eg. read-only EC fallback) surface.
func (t *PkexecTransport) Open(ctx context.Context) (Link, error) {
	pkexec := t.PkexecPath
	if pkexec == "" {
		pkexec = "pkexec"
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, err
	}

	cmd := exec.Command(pkexec, append([]string{t.HelperPath}, t.Args...)...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	// If the daemon dies, take the broker (and with it the helper) along
	// rather than leaking a privileged process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// Child ends stay with the child.
	inR.Close()
	outW.Close()
	errW.Close()

	p := &proc{cmd: cmd, stdin: inW, stdout: outR, done: make(chan struct{})}
	go func() {
		sc := bufio.NewScanner(errR)
		for sc.Scan() {
			logger.Info("helper stderr: %s", sc.Text())
		}
		errR.Close()
	}()
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// proc adapts one spawned helper to the Link interface.
type proc struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	done   chan struct{}

	closeOnce sync.Once
}

func (p *proc) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *proc) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Exited reports the helper's exit code once it has been reaped.
func (p *proc) Exited() (int, bool) {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode(), true
	default:
		return 0, false
	}
}

// Close tears the session down: end of stdin asks the helper to exit, the
// kill covers a helper that no longer reads.
func (p *proc) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		grace := time.NewTimer(200 * time.Millisecond)
		select {
		case <-p.done:
			grace.Stop()
		case <-grace.C:
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		_ = p.stdout.Close()
	})
	return nil
}
