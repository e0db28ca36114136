package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/glacier/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register or update an image from a manifest file",
	Long: `Apply an image manifest in YAML form.

Examples:
  # Register an image described by a manifest
  registryd apply -f cirros.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("registry", "http://127.0.0.1:9292", "Registry API address")
	applyCmd.Flags().String("token", "", "X-Auth-Token to authenticate as")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// imageManifest is the on-disk shape of an image manifest: an
// apiVersion/kind/metadata/spec envelope describing one image.
type imageManifest struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   manifestMetadata  `yaml:"metadata"`
	Spec       manifestImageSpec `yaml:"spec"`
}

type manifestMetadata struct {
	Name string `yaml:"name"`
}

type manifestImageSpec struct {
	DiskFormat      string            `yaml:"diskFormat"`
	ContainerFormat string            `yaml:"containerFormat"`
	Location        string            `yaml:"location"`
	MinDisk         int64             `yaml:"minDisk"`
	MinRAM          int64             `yaml:"minRam"`
	IsPublic        bool              `yaml:"isPublic"`
	Protected       bool              `yaml:"protected"`
	Properties      map[string]string `yaml:"properties"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	registryAddr, _ := cmd.Flags().GetString("registry")
	token, _ := cmd.Flags().GetString("token")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest imageManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.Kind != "" && manifest.Kind != "Image" {
		return fmt.Errorf("unsupported manifest kind: %s", manifest.Kind)
	}
	if manifest.Spec.DiskFormat == "" || manifest.Spec.ContainerFormat == "" {
		return fmt.Errorf("manifest spec.diskFormat and spec.containerFormat are required")
	}

	c := client.NewClient(registryAddr, token)
	defer c.Close()

	img, err := c.CreateImage(cmd.Context(), client.CreateOptions{
		Name:            manifest.Metadata.Name,
		DiskFormat:      manifest.Spec.DiskFormat,
		ContainerFormat: manifest.Spec.ContainerFormat,
		Location:        manifest.Spec.Location,
		MinDisk:         manifest.Spec.MinDisk,
		MinRAM:          manifest.Spec.MinRAM,
		IsPublic:        manifest.Spec.IsPublic,
		Protected:       manifest.Spec.Protected,
		Properties:      manifest.Spec.Properties,
	})
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}

	fmt.Printf("image registered: %s\n", img.Name)
	fmt.Printf("  id:     %s\n", img.ID)
	fmt.Printf("  status: %s\n", img.Status)
	return nil
}
