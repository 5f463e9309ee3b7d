// Copyright 2026 The QStarter Authors. SPDX-License-Identifier: Apache-2.0

// qstarter builds the quantized single-channel face detector, saves its checkpoint and exports it
// to ONNX (with QONNX quantization operators).
//
// Usage:
//
//	qstarter all --model_config=model.yaml --checkpoint_dir=~/work/qstarter --destination=starter.onnx
//
// Each step can also be run separately: "build" (prints a summary of the model), "checkpoint",
// "export" and "inspect" (summarizes an exported model). Flags can also be set in a configuration
// file (--config) or in the environment, prefixed with QSTARTER_ (e.g. QSTARTER_CHECKPOINT_DIR).
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root := newRootCmd(klogFlags)
	if err := root.Execute(); err != nil {
		klog.Errorf("qstarter: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
