package service_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stagehand/asset-pipeline/internal/config"
	"github.com/stagehand/asset-pipeline/internal/service"
)

var _ = Describe("retry policy", func() {
	var policies service.Policies

	BeforeEach(func() {
		policies = service.NewPolicies(config.NewDefault().Pipeline)
	})

	DescribeTable("uses the configured delay for the nth retry",
		func(class service.JobClass, expected []time.Duration) {
			policy := policies.For(class)
			Expect(policy.MaxAttempts).To(Equal(3))
			for i, delay := range expected {
				Expect(policy.Delay(i + 1)).To(Equal(delay))
			}
		},
		Entry("virus scan", service.JobClassVirusScan, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}),
		Entry("rack", service.JobClassRackAnalysis, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}),
		Entry("preset", service.JobClassPresetAnalysis, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}),
		Entry("session", service.JobClassSessionAnalysis, []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}),
	)

	It("repeats the last delay past the end of the sequence", func() {
		Expect(policies.For(service.JobClassSessionAnalysis).Delay(7)).To(Equal(300 * time.Second))
	})

	DescribeTable("classifies failures",
		func(err error, kind service.ErrorKind, retry bool) {
			decision := policies.For(service.JobClassRackAnalysis).Decide(1, err)
			Expect(decision.Kind).To(Equal(kind))
			Expect(decision.Retry).To(Equal(retry))
		},
		Entry("transient", service.NewErrTransient(errors.New("connection reset"), "reading upload"), service.KindTransient, true),
		Entry("deadline", fmt.Errorf("clamd: %w", context.DeadlineExceeded), service.KindTransient, true),
		Entry("format", service.NewErrFormat(errors.New("gzip: invalid header")), service.KindFormat, true),
		Entry("validation", service.NewErrValidation("upload is empty"), service.KindValidation, false),
		Entry("not found", service.NewErrNotFound("stored file", "/uploads/x.adg"), service.KindNotFound, false),
		Entry("security", service.NewErrSecurity(true, "1 threat detected"), service.KindSecurity, false),
		Entry("unexpected", errors.New("nil map"), service.KindUnexpected, false),
	)

	It("stops retrying at the attempt ceiling", func() {
		policy := policies.For(service.JobClassPresetAnalysis)
		err := service.NewErrFormat(errors.New("gzip: invalid header"))

		Expect(policy.Decide(1, err).Retry).To(BeTrue())
		Expect(policy.Decide(2, err).Retry).To(BeTrue())
		Expect(policy.Decide(3, err).Retry).To(BeFalse())
	})

	It("gives unknown job classes a single attempt", func() {
		policy := policies.For(service.JobClass("thumbnail"))
		Expect(policy.MaxAttempts).To(Equal(1))
		Expect(policy.Decide(1, service.NewErrTransient(errors.New("x"), "y")).Retry).To(BeFalse())
	})

	It("keeps a stack trace for the ledger", func() {
		trace := service.StackTrace(service.NewErrValidation("upload is empty"))
		Expect(trace).To(ContainSubstring("retry_test.go"))

		Expect(service.StackTrace(errors.New("plain"))).ToNot(BeEmpty())
	})
})
