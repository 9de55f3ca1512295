package kube

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// RESTConfig turns raw kubeconfig bytes into a rest.Config. File-path
// credentials are inlined first so a config written on another host still
// works inside the gateway container, where those paths do not exist.
func RESTConfig(kubeconfig []byte) (*rest.Config, error) {
	apiConfig, err := clientcmd.Load(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("parse kubeconfig: %w", err)
	}

	if err := inlineFileCredentials(apiConfig); err != nil {
		return nil, err
	}

	restConfig, err := clientcmd.NewNonInteractiveClientConfig(*apiConfig, "", &clientcmd.ConfigOverrides{}, nil).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build client config: %w", err)
	}
	return restConfig, nil
}

// Clientset builds a typed clientset from raw kubeconfig bytes.
func Clientset(kubeconfig []byte) (kubernetes.Interface, *rest.Config, error) {
	restConfig, err := RESTConfig(kubeconfig)
	if err != nil {
		return nil, nil, err
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create clientset: %w", err)
	}
	return client, restConfig, nil
}

// inlineFileCredentials replaces certificate-authority, client-certificate
// and client-key file references with their inlined *-data counterparts
// when the data form is absent.
func inlineFileCredentials(cfg *clientcmdapi.Config) error {
	for name, cluster := range cfg.Clusters {
		if cluster.CertificateAuthority != "" && len(cluster.CertificateAuthorityData) == 0 {
			data, err := os.ReadFile(cluster.CertificateAuthority)
			if err != nil {
				return fmt.Errorf("read certificate-authority for cluster %s: %w", name, err)
			}
			cluster.CertificateAuthorityData = data
			cluster.CertificateAuthority = ""
		}
	}
	for name, auth := range cfg.AuthInfos {
		if auth.ClientCertificate != "" && len(auth.ClientCertificateData) == 0 {
			data, err := os.ReadFile(auth.ClientCertificate)
			if err != nil {
				return fmt.Errorf("read client-certificate for user %s: %w", name, err)
			}
			auth.ClientCertificateData = data
			auth.ClientCertificate = ""
		}
		if auth.ClientKey != "" && len(auth.ClientKeyData) == 0 {
			data, err := os.ReadFile(auth.ClientKey)
			if err != nil {
				return fmt.Errorf("read client-key for user %s: %w", name, err)
			}
			auth.ClientKeyData = data
			auth.ClientKey = ""
		}
	}
	return nil
}
