package k8s

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// FileCopier copies named blobs into a directory of a running container.
type FileCopier interface {
	Copy(ctx context.Context, namespace, pod, container, dir string, files map[string][]byte) error
}

// ExecCopier streams a tar archive into the container through the exec
// subresource, the same way kubectl cp does.
type ExecCopier struct {
	config    *rest.Config
	clientset kubernetes.Interface
}

// NewExecCopier creates an exec based copier.
func NewExecCopier(config *rest.Config, clientset kubernetes.Interface) *ExecCopier {
	return &ExecCopier{config: config, clientset: clientset}
}

// Copy extracts files into dir and writes the upload marker last.
func (c *ExecCopier) Copy(ctx context.Context, namespace, pod, container, dir string, files map[string][]byte) error {
	archive, err := BuildArchive(files)
	if err != nil {
		return err
	}

	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   []string{"tar", "-xmf", "-", "-C", dir},
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	var stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  archive,
		Stdout: io.Discard,
		Stderr: &stderr,
	})
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("exec tar failed: %w: %s", err, msg)
		}
		return fmt.Errorf("exec tar failed: %w", err)
	}
	return nil
}

// BuildArchive packs files in name order followed by the upload marker.
func BuildArchive(files map[string][]byte) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		if name == UploadMarkerFile || strings.Contains(name, "/") || name == "" {
			return nil, fmt.Errorf("invalid file name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
		return nil
	}

	for _, name := range names {
		if err := write(name, files[name]); err != nil {
			return nil, err
		}
	}
	if err := write(UploadMarkerFile, nil); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return &buf, nil
}
