// Command modelverify checks an exported ONNX graph against the serving
// contract before it is promoted to the API: tensor names input/output, a
// rank-4 input of (batch, 3, 224, 224) with the batch dimension dynamic or
// 1, and a successful smoke forward pass on the CPU provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	wantChannels = 3
	wantSize     = 224
)

func main() {
	modelPath := flag.String("model", "", "path to the ONNX model to verify")
	sharedLib := flag.String("libonnxruntime", "", "optional path to the onnxruntime shared library")
	flag.Parse()

	if *modelPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := verify(*modelPath, *sharedLib); err != nil {
		log.Fatalf("verification failed: %v", err)
	}
}

func verify(modelPath, sharedLib string) error {
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}

	if sharedLib != "" {
		ort.SetSharedLibraryPath(sharedLib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	defer ort.DestroyEnvironment()

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("read model metadata: %w", err)
	}

	if len(inputs) != 1 {
		return fmt.Errorf("expected exactly one input, got %d", len(inputs))
	}
	if len(outputs) != 1 {
		return fmt.Errorf("expected exactly one output, got %d", len(outputs))
	}
	if inputs[0].Name != "input" {
		return fmt.Errorf("input tensor must be named %q, got %q", "input", inputs[0].Name)
	}
	if outputs[0].Name != "output" {
		return fmt.Errorf("output tensor must be named %q, got %q", "output", outputs[0].Name)
	}

	dims := inputs[0].Dimensions
	if len(dims) != 4 {
		return fmt.Errorf("expected rank-4 input, got shape %v", dims)
	}
	if dims[0] != -1 && dims[0] != 1 {
		return fmt.Errorf("batch dimension must be dynamic or 1, got %d", dims[0])
	}
	if dims[1] != wantChannels || dims[2] != wantSize || dims[3] != wantSize {
		return fmt.Errorf("expected input (batch, %d, %d, %d), got %v", wantChannels, wantSize, wantSize, dims)
	}

	outDims := outputs[0].Dimensions
	if len(outDims) != 2 || outDims[1] <= 0 {
		return fmt.Errorf("expected rank-2 output with a static class dimension, got %v", outDims)
	}
	classCount := outDims[1]

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"}, nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	input, err := ort.NewTensor(
		ort.NewShape(1, wantChannels, wantSize, wantSize),
		make([]float32, wantChannels*wantSize*wantSize))
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, classCount))
	if err != nil {
		return fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := session.Run(
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
	); err != nil {
		return fmt.Errorf("smoke inference: %w", err)
	}

	fmt.Printf("%s: ok (%d classes, batch dim %d)\n", modelPath, classCount, dims[0])
	return nil
}
