package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/scylladb/scylla-machine-image/pkg/cloud"
	"github.com/scylladb/scylla-machine-image/pkg/ioprofile"
)

func newDetectCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Identify the cloud platform this machine runs on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := env.deps.newDetector(env.cfg).Detect(cmd.Context())
			if err != nil {
				env.logger.Error("platform detection failed", zap.Error(err))

				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), kind)

			return nil
		},
	}
}

func newDisksCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "disks",
		Short: "Enumerate and classify the local block devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			inst, err := resolveInstance(cmd, env)
			if err != nil {
				return err
			}

			disks, err := inst.DiskSet(ctx)
			if err != nil {
				env.logger.Error("disk enumeration failed", zap.Error(err))

				return err
			}

			payload, err := yaml.Marshal(disks)
			if err != nil {
				return fmt.Errorf("encode disk set: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(payload)

			return err
		},
	}
}

func newIOSetupCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "io-setup",
		Short: "Resolve the I/O preset for this instance and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			inst, err := resolveInstance(cmd, env)
			if err != nil {
				return err
			}

			presets, err := ioprofile.LoadOCIPresets(env.cfg.Paths.OCIPresets)
			if err != nil {
				return err
			}

			resolver := &ioprofile.Resolver{
				Mountpoint: env.cfg.Paths.DataDir,
				OCIPresets: presets,
			}

			profile, err := resolver.Resolve(ctx, inst)

			switch {
			case err == nil:
			case errors.Is(err, ioprofile.ErrUnsupportedInstanceClass):
				env.logger.Error("instance class carries no usable local storage", zap.Error(err))

				return &exitError{code: exitCodeUnsupportedClass, err: err}
			case errors.Is(err, ioprofile.ErrPresetNotFound):
				env.logger.Warn("no recorded preset, measuring live", zap.Error(err))

				measureErr := ioprofile.NewMeasurer(nil).Measure(ctx)
				if measureErr != nil {
					env.logger.Error("live measurement failed", zap.Error(measureErr))

					return measureErr
				}

				return nil
			default:
				env.logger.Error("preset resolution failed", zap.Error(err))

				return err
			}

			writer := ioprofile.Writer{Dir: env.cfg.Paths.OutputDir}

			err = writer.Write(profile)
			if err != nil {
				env.logger.Error("failed to persist io properties", zap.Error(err))

				return err
			}

			env.logger.Info("io properties written",
				zap.String("dir", env.cfg.Paths.OutputDir),
				zap.Int64("readIOPS", profile.ReadIOPS),
				zap.Int64("writeIOPS", profile.WriteIOPS),
			)

			return nil
		},
	}
}

// defaultNIC is the interface the VPC check inspects.
const defaultNIC = "eth0"

// sysinfoReport is the YAML shape consumed by the downstream configuration
// writer. The trailing fields are provider-specific and omitted elsewhere.
type sysinfoReport struct {
	Platform       string `yaml:"platform"`
	InstanceType   string `yaml:"instanceType"`
	PrivateIPv4    string `yaml:"privateIPv4"`
	PublicIPv4     string `yaml:"publicIPv4,omitempty"`
	EndpointSnitch string `yaml:"endpointSnitch"`
	Supported      bool   `yaml:"supportedInstanceClass"`
	Development    bool   `yaml:"developmentInstance"`
	HasUserData    bool   `yaml:"hasUserData"`

	NetworkDriver   string `yaml:"enhancedNetworkingDriver,omitempty"`
	VPCEnabled      *bool  `yaml:"vpcEnabled,omitempty"`
	Recommended     *bool  `yaml:"recommendedInstance,omitempty"`
	FirstNVMeSizeGB int64  `yaml:"firstNVMeSizeGB,omitempty"`
}

func newSysinfoCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Print the instance facts the node configuration depends on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			inst, err := resolveInstance(cmd, env)
			if err != nil {
				return err
			}

			report := sysinfoReport{
				Platform:       string(inst.Kind()),
				EndpointSnitch: inst.EndpointSnitch(),
			}

			report.InstanceType, err = inst.InstanceType(ctx)
			if err != nil {
				return err
			}

			report.PrivateIPv4, err = inst.PrivateIPv4(ctx)
			if err != nil {
				return err
			}

			report.PublicIPv4, err = inst.PublicIPv4(ctx)
			if err != nil {
				return err
			}

			report.Supported, err = inst.SupportedInstanceClass(ctx)
			if err != nil {
				return err
			}

			report.Development, err = inst.DevInstanceType(ctx)
			if err != nil {
				return err
			}

			userData, err := inst.UserData(ctx)
			if err != nil {
				return err
			}

			report.HasUserData = len(userData) > 0

			if aws, ok := inst.(interface {
				EnhancedNetworkingDriver(ctx context.Context) (string, error)
				VPCEnabled(ctx context.Context, nic string) (bool, error)
			}); ok {
				report.NetworkDriver, err = aws.EnhancedNetworkingDriver(ctx)
				if err != nil {
					return err
				}

				vpc, vpcErr := aws.VPCEnabled(ctx, defaultNIC)
				if vpcErr != nil {
					// NIC naming varies across images; a missing NIC only
					// omits the field.
					env.logger.Warn("vpc check skipped", zap.Error(vpcErr))
				} else {
					report.VPCEnabled = &vpc
				}
			}

			if gcp, ok := inst.(interface {
				RecommendedInstance(ctx context.Context) (bool, error)
				FirstNVMeSizeGB(ctx context.Context) (int64, error)
			}); ok {
				recommended, gcpErr := gcp.RecommendedInstance(ctx)
				if gcpErr != nil {
					return gcpErr
				}

				report.Recommended = &recommended

				report.FirstNVMeSizeGB, err = gcp.FirstNVMeSizeGB(ctx)
				if err != nil {
					return err
				}
			}

			payload, err := yaml.Marshal(report)
			if err != nil {
				return fmt.Errorf("encode sysinfo: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(payload)

			return err
		},
	}
}

//nolint:ireturn // subcommands operate on the provider-neutral interface
func resolveInstance(cmd *cobra.Command, env *commandEnv) (cloud.Instance, error) {
	ctx := cmd.Context()

	kind, err := env.deps.newDetector(env.cfg).Detect(ctx)
	if err != nil {
		env.logger.Error("platform detection failed", zap.Error(err))

		return nil, err
	}

	inst, err := env.deps.newInstance(kind, env.cfg)
	if err != nil {
		env.logger.Error("instance descriptor construction failed", zap.Error(err))

		return nil, err
	}

	return inst, nil
}
