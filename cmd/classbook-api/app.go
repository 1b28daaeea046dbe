package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/config"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/database"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/memories"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/scores"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/server"
	"go.uber.org/zap"
)

// application holds everything the commands share. Close releases the
// store connection and the ledger database.
type application struct {
	store      filestore.Store
	uploader   *objects.Uploader
	ledger     *reconcile.Ledger
	references reconcile.AnyReference
	handler    http.Handler
	closers    []func() error
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}

	store, closeStore, err := openStore(ctx, appConfig)
	if err != nil {
		return nil, err
	}
	app.store = store
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}

	host, err := openHost(appConfig, store)
	if err != nil {
		app.Close()
		return nil, err
	}
	uploader, err := objects.NewUploader(host)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.uploader = uploader

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	ledger, err := reconcile.NewLedger(reconcile.LedgerConfig{Database: db, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.ledger = ledger

	var tokens *access.TokenIssuer
	if appConfig.TokenSecret != "" {
		tokens, err = access.NewTokenIssuer(access.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.TokenSecret),
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	gate := access.NewGate(appConfig.ClassPassword, tokens)

	memoryService, err := memories.NewService(memories.ServiceConfig{
		Store:    store,
		Uploader: uploader,
		Gate:     gate,
		Clock:    time.Now,
		Recorder: ledger,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	scoreConfig := scores.ServiceConfig{
		Store:    store,
		Uploader: uploader,
		Gate:     gate,
		Clock:    time.Now,
		Recorder: ledger,
		Logger:   logger,
	}
	scoreService, err := scores.NewScoreService(scoreConfig)
	if err != nil {
		app.Close()
		return nil, err
	}
	surveyService, err := scores.NewSurveyScoreService(scoreConfig)
	if err != nil {
		app.Close()
		return nil, err
	}
	scheduleService, err := schedule.NewService(schedule.ServiceConfig{
		Store:    store,
		Uploader: uploader,
		Gate:     gate,
		Clock:    time.Now,
		Recorder: ledger,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.references = reconcile.AnyReference{memoryService, scoreService, surveyService, scheduleService}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:           gate,
		Memories:       memoryService,
		Scores:         scoreService,
		SurveyScores:   surveyService,
		Schedule:       scheduleService,
		AllowedOrigins: appConfig.AllowedOrigins,
		MaxBodyBytes:   appConfig.MaxBodyBytes,
		RequestTimeout: appConfig.Store.Timeout,
		Logger:         logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.handler = handler
	return app, nil
}

func (a *application) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, appConfig config.AppConfig) (filestore.Store, func() error, error) {
	storeConfig := appConfig.Store
	switch storeConfig.Driver {
	case config.StoreDriverGitHub:
		store, err := filestore.NewGitHubStore(filestore.GitHubConfig{
			Owner:   storeConfig.Owner,
			Repo:    storeConfig.Repo,
			Branch:  storeConfig.Branch,
			Token:   storeConfig.Token,
			BaseURL: storeConfig.APIURL,
			HTTPClient: &http.Client{
				Timeout: storeConfig.Timeout,
			},
		})
		return store, nil, err
	case config.StoreDriverGit:
		store, err := filestore.OpenGitRepoStore(filestore.GitRepoConfig{
			Path:   storeConfig.GitPath,
			Branch: storeConfig.Branch,
		})
		return store, nil, err
	case config.StoreDriverRedis:
		connectCtx, cancel := context.WithTimeout(ctx, storeConfig.Timeout)
		defer cancel()
		store, err := filestore.NewRedisStore(connectCtx, storeConfig.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreDriverMemory:
		return filestore.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", storeConfig.Driver)
	}
}

func openHost(appConfig config.AppConfig, store filestore.Store) (objects.Host, error) {
	switch appConfig.Objects.Driver {
	case config.ObjectsDriverStore:
		return objects.NewStoreHost(store, objects.RawURLBuilder{
			Host:   appConfig.Objects.RawHost,
			Owner:  appConfig.Store.Owner,
			Repo:   appConfig.Store.Repo,
			Branch: appConfig.Store.Branch,
		}), nil
	case config.ObjectsDriverMinio:
		return objects.NewMinioHost(objects.MinioConfig{
			Endpoint:  appConfig.Minio.Endpoint,
			AccessKey: appConfig.Minio.AccessKey,
			SecretKey: appConfig.Minio.SecretKey,
			Bucket:    appConfig.Minio.Bucket,
			UseSSL:    appConfig.Minio.UseSSL,
			PublicURL: appConfig.Minio.PublicURL,
		})
	default:
		return nil, fmt.Errorf("unsupported objects driver %q", appConfig.Objects.Driver)
	}
}
