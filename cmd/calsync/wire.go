package main

import (
	"fmt"
	"time"

	"calsync/internal/config"
	"calsync/internal/ics"
	"calsync/internal/mail"
	"calsync/internal/pipeline"
	"calsync/internal/reconcile"
	"calsync/internal/snapshot"
	"calsync/internal/source"
)

func buildStore(c *config.Config) (snapshot.Store, error) {
	switch c.Storage.Backend {
	case "s3":
		return snapshot.DialObjectStore(snapshot.ObjectOptions{
			Endpoint:       c.Storage.Endpoint,
			AccessKey:      c.Storage.AccessKey,
			SecretKey:      c.Storage.SecretKey,
			UseSSL:         c.Storage.UseSSL,
			Region:         c.Storage.Region,
			Bucket:         c.Storage.Bucket,
			Object:         c.Storage.Object,
			TimeoutSeconds: c.Storage.TimeoutSeconds,
		})
	default:
		return snapshot.NewFileStore(c.SnapshotPath()), nil
	}
}

func buildSource(c *config.Config) source.Source {
	switch c.Source.Kind {
	case "ics":
		fetcher := ics.NewFetcher(c.ICSCacheDir(), nil)
		return source.NewFeed(fetcher, ics.Source{ID: "feed", URL: c.Source.ICSURL}, c.Export.BodyCharLimit)
	default:
		return source.NewCSV(source.CSVOptions{
			Path:      c.CSVPath(),
			Command:   c.Source.Command,
			Timeout:   time.Duration(c.Source.TimeoutSeconds) * time.Second,
			BodyLimit: c.Export.BodyCharLimit,
		})
	}
}

func buildMailer(c *config.Config) mail.Mailer {
	return mail.NewSMTP(mail.SMTPOptions{
		Host:        c.SMTP.Host,
		Port:        c.SMTP.Port,
		Username:    c.SMTP.Username,
		Password:    c.SMTP.Password,
		From:        c.Sender(),
		ImplicitTLS: c.SMTP.ImplicitTLS,
		Timeout:     time.Duration(c.SMTP.TimeoutSeconds) * time.Second,
	})
}

func buildRunner(c *config.Config, dryRun bool) (*pipeline.Runner, error) {
	policy, err := reconcile.ParsePolicy(c.Tracking.Correlation)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(c)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	var mailer mail.Mailer
	if !dryRun {
		if err := c.ValidateDelivery(); err != nil {
			return nil, err
		}
		mailer = buildMailer(c)
	}

	return pipeline.New(buildSource(c), store, reconcile.New(policy), mailer, pipeline.Options{
		ICSPath: c.ICSPath(),
		Calendar: ics.Options{
			ProductID:    c.Export.ProductID,
			CalendarName: c.Export.CalendarName,
			CalendarDesc: c.Export.CalendarDescription,
			UIDDomain:    c.Export.UIDDomain,
		},
		From:            c.Sender(),
		To:              c.Recipients(),
		Subject:         c.Email.Subject,
		Body:            c.Email.Body,
		DeletionSubject: c.Email.DeletionSubject,
		DeletionBody:    c.DeletionBody,
		AllowEmpty:      c.Tracking.AllowEmpty,
		DryRun:          dryRun,
	}), nil
}
