package auth

import (
	"context"
	"net/http"

	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterAuth("AwsAuth", newAwsAuth)
}

type awsAuthConfig struct {
	// Profile selects a shared-credentials-file profile.
	Profile string `mapstructure:"aws_profile"`
	// RequesterPays marks the buckets as requester-pays.
	RequesterPays bool `mapstructure:"requester_pays"`
}

// AWSAuthenticator carries an object-store credential chain rather than
// mutating HTTP requests; the S3 download plugin unwraps it.
type AWSAuthenticator struct {
	Creds         *credentials.Credentials
	RequesterPays bool
}

// AuthenticateRequest is a no-op: S3 request signing happens in the object
// store client, not on raw HTTP requests.
func (a *AWSAuthenticator) AuthenticateRequest(*http.Request) error { return nil }

// awsAuth resolves AWS-style credentials in order: configured access/secret
// keys, configured profile, ambient environment, anonymous.
type awsAuth struct {
	provider string
	cfg      awsAuthConfig
	creds    map[string]string
}

func newAwsAuth(provider string, cfg *config.PluginConfig) (plugins.Auth, error) {
	a := &awsAuth{provider: provider, creds: cfg.Credentials}
	if err := cfg.Decode(&a.cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *awsAuth) Provider() string { return a.provider }

func (a *awsAuth) Authenticate(_ context.Context) (model.Authenticator, error) {
	var providers []credentials.Provider

	if a.creds["aws_access_key_id"] != "" && a.creds["aws_secret_access_key"] != "" {
		providers = append(providers, &credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     a.creds["aws_access_key_id"],
				SecretAccessKey: a.creds["aws_secret_access_key"],
				SessionToken:    a.creds["aws_session_token"],
				SignerType:      credentials.SignatureV4,
			},
		})
	}
	if a.cfg.Profile != "" {
		fileCreds := &credentials.FileAWSCredentials{Profile: a.cfg.Profile}
		providers = append(providers, fileCreds)
	}
	providers = append(providers, &credentials.EnvAWS{})
	// Last resort: anonymous access for public buckets.
	providers = append(providers, &credentials.Static{Value: credentials.Value{SignerType: credentials.SignatureAnonymous}})

	return &AWSAuthenticator{
		Creds:         credentials.NewChainCredentials(providers),
		RequesterPays: a.cfg.RequesterPays,
	}, nil
}
