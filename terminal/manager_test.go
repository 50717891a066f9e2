package terminal

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("SessionTable", func() {
	var table *SessionTable

	BeforeEach(func() {
		skipOnWindows()
		table = NewSessionTable(SessionConfig{
			Shell:       "/bin/sh",
			GracePeriod: time.Second,
		}, zap.NewNop())
	})

	AfterEach(func() {
		if table == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(table.CloseAll(ctx)).To(Succeed())
	})

	drain := func(sess *Session) {
		go func() {
			for range sess.Output() {
			}
		}()
	}

	It("should create sessions with unique ids under concurrency", func() {
		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			ids  = make(map[string]struct{})
			errs []error
		)

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				sess, err := table.Create(SessionConfig{})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				drain(sess)
				ids[sess.ID()] = struct{}{}
			}()
		}
		wg.Wait()

		Expect(errs).To(BeEmpty())
		Expect(ids).To(HaveLen(n))
		Expect(table.Count()).To(Equal(n))
		Expect(table.List()).To(HaveLen(n))
	})

	It("should skip ids that are already taken", func() {
		queue := []string{"dup", "dup", "fresh"}
		table.newID = func() string {
			id := queue[0]
			queue = queue[1:]
			return id
		}

		first, err := table.Create(SessionConfig{})
		Expect(err).ToNot(HaveOccurred())
		drain(first)
		second, err := table.Create(SessionConfig{})
		Expect(err).ToNot(HaveOccurred())
		drain(second)

		Expect(first.ID()).To(Equal("dup"))
		Expect(second.ID()).To(Equal("fresh"))
	})

	It("should fail lookups immediately after Remove", func() {
		sess, err := table.Create(SessionConfig{})
		Expect(err).ToNot(HaveOccurred())
		drain(sess)

		Expect(table.Remove(sess.ID())).To(Succeed())

		_, err = table.Get(sess.ID())
		Expect(err).To(MatchError(ErrSessionNotFound))
		Expect(table.Write(sess.ID(), []byte("x"))).To(MatchError(ErrSessionNotFound))
		Expect(table.Resize(sess.ID(), 80, 24)).To(MatchError(ErrSessionNotFound))
		Expect(table.Remove(sess.ID())).To(MatchError(ErrSessionNotFound))

		Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
		Expect(sess.ExitStatus().Signal).ToNot(BeEmpty())
	})

	It("should drop sessions that exit on their own", func() {
		sess, err := table.Create(SessionConfig{Args: []string{"-c", "exit 4"}})
		Expect(err).ToNot(HaveOccurred())
		drain(sess)

		Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
		Eventually(table.Count, 2*time.Second).Should(Equal(0))
		Expect(sess.ExitStatus().Code).To(Equal(4))
	})

	It("should not register sessions that fail to spawn", func() {
		_, err := table.Create(SessionConfig{Shell: "/nonexistent/termy-shell"})
		Expect(errors.Is(err, ErrSpawn)).To(BeTrue())
		Expect(table.Count()).To(Equal(0))
		Expect(table.pending).To(BeEmpty())
	})

	It("should forward writes and resizes by id", func() {
		sess, err := table.Create(SessionConfig{Cols: 90, Rows: 20})
		Expect(err).ToNot(HaveOccurred())

		recorder := &outputRecorder{}
		recorder.consume(sess)

		Expect(table.Resize(sess.ID(), 132, 43)).To(Succeed())
		cols, rows := sess.Geometry()
		Expect(cols).To(Equal(132))
		Expect(rows).To(Equal(43))

		Expect(table.Write(sess.ID(), []byte("echo table-$((1+1))\n"))).To(Succeed())
		Eventually(recorder.String, 5*time.Second).Should(ContainSubstring("table-2"))
	})

	It("should list infos newest first", func() {
		first, err := table.Create(SessionConfig{})
		Expect(err).ToNot(HaveOccurred())
		drain(first)
		time.Sleep(10 * time.Millisecond)
		second, err := table.Create(SessionConfig{WorkingDirectory: "/"})
		Expect(err).ToNot(HaveOccurred())
		drain(second)

		infos := table.Infos()
		Expect(infos).To(HaveLen(2))
		Expect(infos[0].ID).To(Equal(second.ID()))
		Expect(infos[0].WorkingDirectory).To(Equal("/"))
		Expect(infos[1].ID).To(Equal(first.ID()))
		Expect(infos[0].Alive).To(BeTrue())
	})

	It("should terminate every session on CloseAll", func() {
		var sessions []*Session
		for i := 0; i < 3; i++ {
			sess, err := table.Create(SessionConfig{})
			Expect(err).ToNot(HaveOccurred())
			drain(sess)
			sessions = append(sessions, sess)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(table.CloseAll(ctx)).To(Succeed())
		Expect(table.Count()).To(Equal(0))
		for _, sess := range sessions {
			Expect(sess.Done()).To(BeClosed())
		}
	})

	It("should report sessions that outlive the CloseAll deadline", func() {
		sess, err := table.Create(SessionConfig{
			Args:        []string{"-c", "trap '' HUP TERM; echo ready; while :; do sleep 0.1; done"},
			GracePeriod: 2 * time.Second,
		})
		Expect(err).ToNot(HaveOccurred())

		recorder := &outputRecorder{}
		recorder.consume(sess)
		Eventually(recorder.String, 5*time.Second).Should(ContainSubstring("ready"))

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err = table.CloseAll(ctx)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring(sess.ID()))
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())

		// The kill escalation still reaps it.
		Eventually(sess.Done(), 5*time.Second).Should(BeClosed())
	})
})
