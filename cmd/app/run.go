// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/download"
	"github.com/crystal-archiver/crystal/pkg/project"
	"github.com/crystal-archiver/crystal/pkg/server"
	"github.com/crystal-archiver/crystal/pkg/shell"
)

// run opens the project and honors the requested mode: enqueue downloads,
// serve, shell, or any combination.
func run(ctx context.Context, options *Options) error {
	if options.StaleBefore != "" {
		if _, err := time.Parse(time.RFC3339, options.StaleBefore); err != nil {
			return fmt.Errorf("invalid --stale-before value %q: %w", options.StaleBefore, err)
		}
	}

	p, err := project.Open(options.ProjectPath, project.Options{
		ReadOnly:      options.ReadOnly,
		RequestCookie: options.Cookie,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			klog.Errorf("closing project: %v", err)
		}
	}()

	if options.StaleBefore != "" && !options.ReadOnly {
		if err := p.SetProperty(project.PropertyMinFetchDate, options.StaleBefore); err != nil {
			return err
		}
	}

	var tasks []*download.DownloadResource
	for _, url := range options.Downloads {
		r, err := p.CreateResource(url)
		if err != nil {
			return fmt.Errorf("cannot create resource for %s: %w", url, err)
		}
		if _, err := p.CreateRootResource("", r); err != nil {
			return fmt.Errorf("cannot pin root resource for %s: %w", url, err)
		}
		t := download.NewDownloadResource(p, r, nil)
		if err := p.AddTopLevelTask(t.Container); err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	var srv *server.Server
	if options.Serve {
		srv = server.New(p, options.ServeAddr)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				klog.Errorf("stopping server: %v", err)
			}
		}()
	}

	// wait for enqueued downloads before entering interactive modes
	for _, t := range tasks {
		value, err := t.Future().Wait(ctx)
		if err != nil {
			klog.Errorf("download of %s failed: %v", t.Resource().URL(), err)
			continue
		}
		if rev, ok := value.(*project.ResourceRevision); ok && rev != nil && rev.Err() != nil {
			klog.Warningf("download of %s stored an error revision: %v", t.Resource().URL(), rev.Err())
		}
	}

	switch {
	case options.Shell:
		return shell.New(p, os.Stdin, os.Stdout).Run()
	case options.Serve:
		// serve until interrupted
		<-ctx.Done()
		return nil
	default:
		return nil
	}
}
