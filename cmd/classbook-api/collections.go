package main

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/memories"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/scores"
	"github.com/disiqueira/gotree/v3"
	"go.uber.org/zap"
)

type collectionDescriptor struct {
	path     string
	keyField string
}

var knownCollections = []collectionDescriptor{
	{path: memories.CollectionPath, keyField: "path"},
	{path: scores.ScoresCollectionPath, keyField: "id"},
	{path: scores.SurveyScoresCollectionPath, keyField: "id"},
	{path: schedule.CollectionPath, keyField: "id"},
}

// describeCollections renders every collection document as a tree of entry
// keys annotated with the document's version token.
func describeCollections(ctx context.Context, store filestore.Store, logger *zap.Logger) (string, error) {
	root := gotree.New("collections")
	for _, descriptor := range knownCollections {
		keyField := descriptor.keyField
		repository, err := metadata.NewRepository(metadata.Config[map[string]any]{
			Store: store,
			Path:  descriptor.path,
			Key: func(entry map[string]any) string {
				value, _ := entry[keyField].(string)
				return value
			},
			Logger: logger,
		})
		if err != nil {
			return "", err
		}
		snapshot, err := repository.LoadAll(ctx)
		if err != nil {
			return "", fmt.Errorf("describe %s: %w", descriptor.path, err)
		}

		version := snapshot.Version.String()
		if snapshot.Version.IsAbsent() {
			version = "absent"
		}
		node := root.Add(fmt.Sprintf("%s (%d entries, version %s)", descriptor.path, len(snapshot.Entries), version))
		for _, entry := range snapshot.Entries {
			node.Add(repository.Key(entry))
		}
	}
	return root.Print(), nil
}
