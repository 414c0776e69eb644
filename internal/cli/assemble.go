package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/zoocwl/internal/credentials"
	"github.com/me/zoocwl/internal/stac"
	"github.com/me/zoocwl/internal/storage"
)

func newAssembleCmd() *cobra.Command {
	var collectionID string
	var publish bool

	cmd := &cobra.Command{
		Use:   "assemble <catalog-uri>",
		Short: "Build the result collection from an output catalog",
		Long: `Reads a STAC catalog written by a workflow and prints the normalized result
collection. Object-store locations use the credentials of the first matching
service. With --publish the collection and its items are written back next to
the catalog.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := stac.NormalizeCatalogURI(args[0])

			factory, err := storage.NewClientFactory(cfg.StorageDriver)
			if err != nil {
				return err
			}
			creds := cfg.StageOut.Credentials()
			if storage.IsObjectStore(uri) {
				resolver, err := newResolver()
				if err != nil {
					return err
				}
				if creds, err = resolver.PublishForURL(uri); err != nil {
					return err
				}
			}

			adapter := storage.NewAdapter(nil, factory, logger)
			prov := stac.ProvenanceFrom(creds, cfg.StoragePlatform, cfg.StorageTier)
			res, err := stac.NewAssembler(adapter, logger, stac.WithPublish(publish)).
				Assemble(cmd.Context(), uri, collectionID, prov)
			if err != nil {
				return fmt.Errorf("assemble %s: %w", uri, err)
			}

			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&collectionID, "collection-id", "", "Id of the result collection")
	cmd.Flags().BoolVar(&publish, "publish", false, "Write the collection and items next to the catalog")
	cmd.MarkFlagRequired("collection-id")
	return cmd
}

func newResolver() (*credentials.Resolver, error) {
	services, err := credentials.CompileServices(cfg.Services)
	if err != nil {
		return nil, err
	}
	return credentials.NewResolver(services, logger,
		credentials.WithStageOutDefaults(cfg.StageOut.Credentials())), nil
}
