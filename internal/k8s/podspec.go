package k8s

import (
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"workload-launcher-go/internal/models"
)

const (
	MainContainerName = "main"
	InitContainerName = "init"
	ConfigVolumeName  = "config"
	ConfigDir         = "/config"

	// UploadMarkerFile is written after every other injected file; the
	// orchestrator init container exits once it appears.
	UploadMarkerFile = "FINISHED_UPLOADING"

	EnvConfigDir = "CONFIG_DIR"
)

// BuildPod turns a descriptor into a pod object. The orchestrator gets an
// init container that blocks until files have been injected.
func BuildPod(namespace, serviceAccount string, desc models.PodDescriptor) *corev1.Pod {
	main := corev1.Container{
		Name:            MainContainerName,
		Image:           desc.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env:             envVars(desc.Env),
		Resources:       desc.Resources,
	}

	spec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: serviceAccount,
		NodeSelector:       desc.NodeSelector,
		Containers:         []corev1.Container{main},
	}

	if desc.Role == models.RoleOrchestrator {
		mount := corev1.VolumeMount{Name: ConfigVolumeName, MountPath: ConfigDir}
		spec.Volumes = []corev1.Volume{{
			Name:         ConfigVolumeName,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}}
		spec.InitContainers = []corev1.Container{{
			Name:            InitContainerName,
			Image:           desc.Image,
			ImagePullPolicy: corev1.PullIfNotPresent,
			Command: []string{"sh", "-c", fmt.Sprintf(
				"until [ -f %s/%s ]; do sleep 0.5; done", ConfigDir, UploadMarkerFile)},
			VolumeMounts: []corev1.VolumeMount{mount},
		}}
		spec.Containers[0].VolumeMounts = []corev1.VolumeMount{mount}
		spec.Containers[0].Env = append(spec.Containers[0].Env, corev1.EnvVar{Name: EnvConfigDir, Value: ConfigDir})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        desc.Name,
			Namespace:   namespace,
			Labels:      desc.Labels,
			Annotations: desc.Annotations,
		},
		Spec: spec,
	}
}

func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}
