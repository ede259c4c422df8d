package app

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tyemirov/ciprovision/internal/outputs"
	"github.com/tyemirov/ciprovision/internal/provisioning"
	"github.com/tyemirov/ciprovision/pkg/logging"
)

const flagNameDefaultKeychain = "defaultkeychain"

func newDeprovisionCommand(resources *applicationResources) *cobra.Command {
	deprovisionCommand := &cobra.Command{
		Use:   "deprovision",
		Short: "Delete the build keychain and restore a default keychain",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return prepareDeprovisionRequest(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeprovision(cmd)
		},
	}

	configurationManager := resources.configurationManager
	deprovisionCommand.Flags().String(flagNameKeychain, configurationManager.GetString(configKeyDeprovisionKeychain), "Keychain name or path to remove")
	deprovisionCommand.Flags().String(flagNameDefaultKeychain, configurationManager.GetString(configKeyDeprovisionDefaultKeychain), "Keychain to set as default afterwards (e.g. login)")
	_ = configurationManager.BindPFlag(configKeyDeprovisionKeychain, deprovisionCommand.Flags().Lookup(flagNameKeychain))
	_ = configurationManager.BindPFlag(configKeyDeprovisionDefaultKeychain, deprovisionCommand.Flags().Lookup(flagNameDefaultKeychain))
	return deprovisionCommand
}

func prepareDeprovisionRequest(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	request := provisioning.DeprovisionRequest{
		KeychainName:    strings.TrimSpace(resources.configurationManager.GetString(configKeyDeprovisionKeychain)),
		DefaultKeychain: strings.TrimSpace(resources.configurationManager.GetString(configKeyDeprovisionDefaultKeychain)),
	}
	cmd.SetContext(context.WithValue(cmd.Context(), contextKeyDeprovisionRequest, request))
	return nil
}

func runDeprovision(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	request, ok := cmd.Context().Value(contextKeyDeprovisionRequest).(provisioning.DeprovisionRequest)
	if !ok {
		return errors.New("deprovision request not initialized")
	}

	orchestrator, err := resources.buildOrchestrator(resources, orchestratorOptions{OutputKind: outputs.KindLog})
	if err != nil {
		return err
	}
	deprovisionContext, cancel := createSignalContext(cmd.Context(), resources.loggingService)
	defer cancel()

	if err := orchestrator.Deprovision(deprovisionContext, request); err != nil {
		return err
	}
	resources.loggingService.Info(logMessageDeprovisioned, logging.String(logFieldKeychain, request.KeychainName))
	return nil
}
