package terminal

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTerminal(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Terminal Suite")
}

// SimulatedPTYService implements PTYService with a pipe so output bytes reach
// the session untouched by line discipline.
type SimulatedPTYService struct {
	mu      sync.Mutex
	resizes [][2]int
}

func (s *SimulatedPTYService) Start(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}
	// The child holds its own copy; EOF arrives when it exits.
	writer.Close()
	return reader, nil
}

func (s *SimulatedPTYService) SetSize(file *os.File, cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return nil
}

func (s *SimulatedPTYService) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// collect drains the session output until it closes.
func collect(sess *Session) <-chan []byte {
	result := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		for chunk := range sess.Output() {
			buf.Write(chunk)
		}
		result <- buf.Bytes()
	}()
	return result
}

// drainInto appends output to a shared buffer for Eventually polling.
type outputRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *outputRecorder) consume(sess *Session) {
	go func() {
		for chunk := range sess.Output() {
			r.mu.Lock()
			r.buf.Write(chunk)
			r.mu.Unlock()
		}
	}()
}

func (r *outputRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func skipOnWindows() {
	if runtime.GOOS == "windows" {
		Skip("PTY-backed tests need a POSIX shell")
	}
}

var _ = Describe("Session", func() {
	BeforeEach(skipOnWindows)

	Context("With a real PTY", func() {
		It("should stream output and report a clean exit", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "pty-output",
				Shell: "/bin/sh",
				Args:  []string{"-c", "printf hello"},
			})
			Expect(err).ToNot(HaveOccurred())

			out := collect(sess)
			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
			Eventually(out).Should(Receive(ContainSubstring("hello")))
			Expect(sess.ExitStatus()).To(Equal(ExitStatus{Code: 0}))
			Expect(sess.Alive()).To(BeFalse())
		})

		It("should echo input through the shell", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "pty-input",
				Shell: "/bin/sh",
			})
			Expect(err).ToNot(HaveOccurred())

			recorder := &outputRecorder{}
			recorder.consume(sess)

			Expect(sess.Write([]byte("echo $((40+2))\n"))).To(Succeed())
			Eventually(recorder.String, 5*time.Second).Should(ContainSubstring("42"))

			Expect(sess.Write([]byte("exit 0\n"))).To(Succeed())
			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
		})

		It("should propagate the exit code", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "pty-exit-code",
				Shell: "/bin/sh",
				Args:  []string{"-c", "exit 3"},
			})
			Expect(err).ToNot(HaveOccurred())
			collect(sess)

			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
			Expect(sess.ExitStatus().Code).To(Equal(3))
		})

		It("should resize the PTY and remember the geometry", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "pty-resize",
				Shell: "/bin/sh",
				Cols:  100,
				Rows:  30,
			})
			Expect(err).ToNot(HaveOccurred())
			collect(sess)
			defer sess.Terminate()

			cols, rows := sess.Geometry()
			Expect(cols).To(Equal(100))
			Expect(rows).To(Equal(30))

			Expect(sess.Resize(120, 40)).To(Succeed())
			cols, rows = sess.Geometry()
			Expect(cols).To(Equal(120))
			Expect(rows).To(Equal(40))
		})
	})

	Context("With a pipe-backed PTY service", func() {
		var svc *SimulatedPTYService

		BeforeEach(func() {
			svc = &SimulatedPTYService{}
		})

		It("should deliver output bytes in production order", func() {
			sess, err := NewSession(SessionConfig{
				ID:         "ordered",
				Shell:      "/bin/sh",
				Args:       []string{"-c", "i=0; while [ $i -lt 500 ]; do echo line$i; i=$((i+1)); done"},
				PTYService: svc,
			})
			Expect(err).ToNot(HaveOccurred())

			var expected strings.Builder
			for i := 0; i < 500; i++ {
				fmt.Fprintf(&expected, "line%d\n", i)
			}

			out := collect(sess)
			var got []byte
			Eventually(out, 5*time.Second).Should(Receive(&got))
			Expect(string(got)).To(Equal(expected.String()))
			Eventually(sess.Done()).Should(BeClosed())
		})

		It("should carry every byte value losslessly", func() {
			var format strings.Builder
			var expected []byte
			for b := 0; b < 256; b++ {
				fmt.Fprintf(&format, "\\%03o", b)
				expected = append(expected, byte(b))
			}

			sess, err := NewSession(SessionConfig{
				ID:         "binary",
				Shell:      "/bin/sh",
				Args:       []string{"-c", "printf '" + format.String() + "'"},
				PTYService: svc,
			})
			Expect(err).ToNot(HaveOccurred())

			var got []byte
			Eventually(collect(sess), 5*time.Second).Should(Receive(&got))
			Expect(got).To(Equal(expected))
		})

		It("should coalesce small writes into larger chunks", func() {
			sess, err := NewSession(SessionConfig{
				ID:            "batched",
				Shell:         "/bin/sh",
				Args:          []string{"-c", "for i in 1 2 3 4 5 6 7 8 9 10; do printf x; done"},
				BatchInterval: 50 * time.Millisecond,
				PTYService:    svc,
			})
			Expect(err).ToNot(HaveOccurred())

			var chunks [][]byte
			for chunk := range sess.Output() {
				chunks = append(chunks, chunk)
			}
			Expect(bytes.Join(chunks, nil)).To(Equal([]byte("xxxxxxxxxx")))
			Expect(len(chunks)).To(BeNumerically("<", 10))
		})

		It("should reject invalid geometry without changing the last size", func() {
			sess, err := NewSession(SessionConfig{
				ID:         "geometry",
				Shell:      "/bin/sh",
				Args:       []string{"-c", "sleep 5"},
				PTYService: svc,
			})
			Expect(err).ToNot(HaveOccurred())
			collect(sess)
			defer sess.Terminate()

			Expect(sess.Resize(0, 24)).To(MatchError(ErrInvalidGeometry))
			Expect(sess.Resize(80, -1)).To(MatchError(ErrInvalidGeometry))
			cols, rows := sess.Geometry()
			Expect(cols).To(Equal(DefaultCols))
			Expect(rows).To(Equal(DefaultRows))
			Expect(svc.Resizes()).To(BeEmpty())

			Expect(sess.Resize(132, 43)).To(Succeed())
			Expect(svc.Resizes()).To(Equal([][2]int{{132, 43}}))
		})

		It("should expose the environment overlay and markers to the shell", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "env",
				Shell: "/bin/sh",
				Args:  []string{"-c", `printf '%s:%s:%s:%s' "$TERM_PROGRAM" "$TERMY_SESSION_ID" "$FOO" "$TERM"`},
				EnvVars: map[string]string{
					"FOO":          "bar",
					"TERM":         "vt100",
					"TERM_PROGRAM": "other",
				},
				PTYService: svc,
			})
			Expect(err).ToNot(HaveOccurred())

			var got []byte
			Eventually(collect(sess), 5*time.Second).Should(Receive(&got))
			Expect(string(got)).To(Equal("Termy:env:bar:vt100"))
		})
	})

	Context("When the program stops reading input", func() {
		It("should queue input without blocking and reject overflow", func() {
			sess, err := NewSession(SessionConfig{
				ID:          "stalled-input",
				Shell:       "/bin/sh",
				Args:        []string{"-c", "stty raw -echo; echo ready; sleep 30"},
				InputQueue:  4,
				GracePeriod: 200 * time.Millisecond,
			})
			Expect(err).ToNot(HaveOccurred())
			recorder := &outputRecorder{}
			recorder.consume(sess)
			defer sess.Terminate()
			Eventually(recorder.String, 5*time.Second).Should(ContainSubstring("ready"))

			chunk := bytes.Repeat([]byte("x"), 64*1024)
			done := make(chan error, 1)
			go func() {
				var overflow error
				for i := 0; i < 64; i++ {
					if err := sess.Write(chunk); err != nil {
						overflow = err
					}
				}
				done <- overflow
			}()

			var overflow error
			Eventually(done, 2*time.Second).Should(Receive(&overflow))
			Expect(overflow).To(MatchError(ErrInputQueueFull))

			Expect(sess.Resize(100, 30)).To(Succeed())
		})
	})

	Context("When terminating", func() {
		It("should stop a long-running process and emit exit once", func() {
			sess, err := NewSession(SessionConfig{
				ID:          "terminate",
				Shell:       "/bin/sh",
				Args:        []string{"-c", "sleep 30"},
				GracePeriod: 500 * time.Millisecond,
			})
			Expect(err).ToNot(HaveOccurred())
			collect(sess)

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					sess.Terminate()
				}()
			}
			wg.Wait()

			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
			status := sess.ExitStatus()
			Expect(status.Code).To(Equal(-1))
			Expect(status.Signal).ToNot(BeEmpty())

			sess.Terminate()
			Expect(sess.Write([]byte("ignored"))).To(MatchError(ErrSessionClosed))
			Expect(sess.Resize(10, 10)).To(MatchError(ErrSessionClosed))
		})

		It("should be harmless after a natural exit", func() {
			sess, err := NewSession(SessionConfig{
				ID:    "natural",
				Shell: "/bin/sh",
				Args:  []string{"-c", "exit 0"},
			})
			Expect(err).ToNot(HaveOccurred())
			collect(sess)

			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
			sess.Terminate()
			Expect(sess.ExitStatus().Code).To(Equal(0))
		})

		It("should finish even when nobody drains output", func() {
			sess, err := NewSession(SessionConfig{
				ID:           "undrained",
				Shell:        "/bin/sh",
				Args:         []string{"-c", "while :; do echo flood; done"},
				OutputBuffer: 1,
				GracePeriod:  200 * time.Millisecond,
			})
			Expect(err).ToNot(HaveOccurred())

			time.Sleep(50 * time.Millisecond)
			sess.Terminate()
			Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
		})
	})

	Context("When spawning fails", func() {
		It("should report a missing program as a spawn error", func() {
			_, err := NewSession(SessionConfig{ID: "missing", Shell: "/definitely/not/a/shell"})
			Expect(err).To(MatchError(ErrSpawn))
		})

		It("should report a missing working directory as a spawn error", func() {
			_, err := NewSession(SessionConfig{
				ID:               "bad-cwd",
				Shell:            "/bin/sh",
				WorkingDirectory: "/definitely/not/a/dir",
			})
			Expect(err).To(MatchError(ErrSpawn))
		})

		It("should reject negative initial geometry", func() {
			_, err := NewSession(SessionConfig{ID: "neg", Shell: "/bin/sh", Cols: -1})
			Expect(err).To(MatchError(ErrInvalidGeometry))
		})

		It("should reject initial geometry a PTY cannot represent", func() {
			svc := &SimulatedPTYService{}
			_, err := NewSession(SessionConfig{ID: "wide", Shell: "/bin/sh", Cols: 65616, PTYService: svc})
			Expect(err).To(MatchError(ErrInvalidGeometry))

			_, err = NewSession(SessionConfig{ID: "tall", Shell: "/bin/sh", Rows: MaxDimension + 1, PTYService: svc})
			Expect(err).To(MatchError(ErrInvalidGeometry))
		})
	})
})

var _ = Describe("Shell resolution", func() {
	BeforeEach(skipOnWindows)

	It("should resolve custom shell paths", func() {
		path, args, err := ResolveShell("custom:/bin/sh", []string{"-c", "true"})
		Expect(err).ToNot(HaveOccurred())
		Expect(path).To(Equal("/bin/sh"))
		Expect(args).To(Equal([]string{"-c", "true"}))
	})

	It("should look named shells up on PATH", func() {
		path, _, err := ResolveShell("sh", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(path).To(HaveSuffix("sh"))
	})

	It("should fall back to the default shell as a login shell", func() {
		path, args, err := ResolveShell("", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(path).ToNot(BeEmpty())
		Expect(args).To(ConsistOf(LoginArgs(path)))

		_, args, err = ResolveShell("", []string{"-c", "true"})
		Expect(err).ToNot(HaveOccurred())
		Expect(args).To(Equal([]string{"-c", "true"}))
	})

	It("should fail for unknown programs", func() {
		_, _, err := ResolveShell("no-such-shell-termy", nil)
		Expect(err).To(MatchError(ErrSpawn))

		_, _, err = ResolveShell("custom:", nil)
		Expect(err).To(MatchError(ErrSpawn))
	})

	It("should compute login arguments per shell family", func() {
		Expect(LoginArgs("/bin/bash")).To(Equal([]string{"-l"}))
		Expect(LoginArgs("/usr/bin/zsh")).To(Equal([]string{"-l"}))
		Expect(LoginArgs("pwsh.exe")).To(Equal([]string{"-NoLogo"}))
		Expect(LoginArgs("cmd.exe")).To(BeEmpty())
	})
})

var _ = Describe("Command environment", func() {
	It("should default TERM and COLORTERM and keep markers authoritative", func() {
		env := buildCommandEnv(map[string]string{"TERMY_SESSION_ID": "spoofed"}, "abc")
		Expect(env).To(ContainElement("TERM=xterm-256color"))
		Expect(env).To(ContainElement("COLORTERM=truecolor"))
		Expect(env).To(ContainElement("TERM_PROGRAM=Termy"))
		Expect(env).To(ContainElement("TERMY_SESSION_ID=abc"))
		Expect(env).ToNot(ContainElement("TERMY_SESSION_ID=spoofed"))
	})

	It("should let the overlay replace inherited values", func() {
		env := buildCommandEnv(map[string]string{"COLORTERM": "24bit"}, "abc")
		Expect(env).To(ContainElement("COLORTERM=24bit"))
		Expect(env).ToNot(ContainElement("COLORTERM=truecolor"))
	})
})
