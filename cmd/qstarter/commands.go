// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/qstarter/qstarter/ml/context"
	"github.com/qstarter/qstarter/ml/context/checkpoints"
	"github.com/qstarter/qstarter/ml/export/onnx"
	"github.com/qstarter/qstarter/models/starter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// session holds a built model, and the checkpoint handler it was restored from, if any.
type session struct {
	settings   *settings
	config     starter.Config
	ctx        *context.Context
	model      *starter.Model
	checkpoint *checkpoints.Handler
}

// newSession builds the model. If a checkpoint directory is configured, the latest checkpoint
// in it (if any) is restored into the model.
func newSession(s *settings) (*session, error) {
	cfg, err := s.modelConfig()
	if err != nil {
		return nil, err
	}
	sess := &session{settings: s, config: cfg, ctx: context.New()}
	if s.CheckpointDir != "" {
		config := checkpoints.Build(sess.ctx).Dir(s.CheckpointDir).Keep(s.Keep)
		if s.Progress {
			config = config.Progress(saveProgress())
		}
		sess.checkpoint, err = config.Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "--%s=%q", keyCheckpointDir, s.CheckpointDir)
		}
	}
	sess.model, err = starter.Build(sess.ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sess.checkpoint != nil {
		if from := sess.checkpoint.LoadedFrom(); from != "" {
			klog.Infof("restored model variables from %q", from)
		}
		if unused := sess.checkpoint.Unused(); len(unused) > 0 {
			klog.Warningf("%d variables in the checkpoint are not used by the model: %q", len(unused), unused)
		}
	}
	return sess, nil
}

// save a new checkpoint.
func (sess *session) save() error {
	if sess.checkpoint == nil {
		return errors.Errorf("no checkpoint directory configured, set --%s", keyCheckpointDir)
	}
	if err := sess.checkpoint.Save(); err != nil {
		return err
	}
	klog.Infof("saved checkpoint of %d variables to %q", sess.ctx.NumVariables(), sess.checkpoint.Dir())
	return nil
}

// export the model to the configured destination.
func (sess *session) export() error {
	s := sess.settings
	return onnx.Export(sess.model, s.InputShape, s.Destination, s.exportOptions(sess.config)...)
}

// saveProgress returns a checkpoints.ProgressFn that displays a progress bar of the bytes written.
func saveProgress() checkpoints.ProgressFn {
	var bar *progressbar.ProgressBar
	return func(written, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription("Saving checkpoint"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetTheme(progressbar.ThemeUnicode),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(written)
		if written >= total {
			_ = bar.Finish()
			bar = nil
		}
	}
}

func (a *app) buildCmd() *cobra.Command {
	var listVariables, tree bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the model and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			sess, err := newSession(s)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printModelSummary(w, sess.ctx, sess.model, s.InputShape)
			if tree {
				printTitle(w, "Layers")
				_, _ = fmt.Fprint(w, sess.model.Tree())
			}
			if listVariables {
				printVariables(w, sess.ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&tree, "tree", false, "Print the tree of layers of the model.")
	cmd.Flags().BoolVar(&listVariables, "vars", false, "List the variables of the model.")
	return cmd
}

func (a *app) checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Build the model and save a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			sess, err := newSession(s)
			if err != nil {
				return err
			}
			return sess.save()
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Build the model and export it to ONNX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			sess, err := newSession(s)
			if err != nil {
				return err
			}
			return sess.export()
		},
	}
}

func (a *app) allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Build the model, save a checkpoint and export it to ONNX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			sess, err := newSession(s)
			if err != nil {
				return err
			}
			printModelSummary(cmd.OutOrStdout(), sess.ctx, sess.model, s.InputShape)
			if sess.checkpoint != nil {
				if err := sess.save(); err != nil {
					return err
				}
			} else {
				klog.Warningf("no --%s given, the checkpoint is not saved", keyCheckpointDir)
			}
			return sess.export()
		},
	}
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [model.onnx]",
		Short: "Summarize an exported model",
		Long:  "Summarize an exported model. If no file is given, the one set with --destination is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString(keyDestination)
			if len(args) > 0 {
				path = args[0]
			}
			return inspect(cmd.OutOrStdout(), path)
		},
	}
}

func inspect(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	summary, err := onnx.Inspect(data)
	if err != nil {
		return errors.WithMessagef(err, "file %q", path)
	}
	printONNXSummary(w, path, len(data), summary)
	return nil
}
