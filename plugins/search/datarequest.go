package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/plugins"
)

func init() {
	plugins.RegisterSearch("DataRequestSearch", newDataRequestSearch)
}

type dataRequestConfig struct {
	// DataRequestURL receives the job submission.
	DataRequestURL string `mapstructure:"data_request_url"`
	// StatusURL and ResultURL are polled and fetched with {jobId}
	// substituted.
	StatusURL string `mapstructure:"status_url"`
	ResultURL string `mapstructure:"result_url"`

	JobIDKey       string  `mapstructure:"job_id_key"`
	StatusKey      string  `mapstructure:"status_key"`
	StatusComplete string  `mapstructure:"status_complete"`
	StatusFailed   string  `mapstructure:"status_failed"`
	PollIntervalS  float64 `mapstructure:"poll_interval_s"`
	PollTimeoutS   float64 `mapstructure:"poll_timeout_s"`
}

// dataRequestSearch drives asynchronous catalogues: the query is submitted
// as a job, polled until the provider has materialized the result set, then
// fetched page by page like any JSON search.
type dataRequestSearch struct {
	*base
	dr dataRequestConfig
}

func newDataRequestSearch(provider *config.ProviderConfig, cfg *config.PluginConfig) (plugins.Search, error) {
	b, err := newBase(provider, cfg)
	if err != nil {
		return nil, err
	}
	s := &dataRequestSearch{base: b}
	if err := cfg.Decode(&s.dr); err != nil {
		return nil, err
	}
	if s.dr.DataRequestURL == "" || s.dr.StatusURL == "" || s.dr.ResultURL == "" {
		return nil, &errs.MisconfiguredError{Provider: provider.Name, Message: "DataRequestSearch needs data_request_url, status_url and result_url"}
	}
	if s.dr.JobIDKey == "" {
		s.dr.JobIDKey = "jobId"
	}
	if s.dr.StatusKey == "" {
		s.dr.StatusKey = "status"
	}
	if s.dr.StatusComplete == "" {
		s.dr.StatusComplete = "completed"
	}
	if s.dr.StatusFailed == "" {
		s.dr.StatusFailed = "failed"
	}
	if s.dr.PollIntervalS <= 0 {
		s.dr.PollIntervalS = 2
	}
	if s.dr.PollTimeoutS <= 0 {
		s.dr.PollTimeoutS = 120
	}
	return s, nil
}

func (s *dataRequestSearch) Query(ctx context.Context, prep *plugins.PreparedSearch) ([]*model.Product, *int, error) {
	p, err := s.prepare(prep)
	if err != nil {
		return nil, nil, err
	}
	query, err := s.buildQuery(p)
	if err != nil {
		return nil, nil, err
	}

	body := util.CopyMap(query.Body)
	for k, vs := range query.Params {
		if len(vs) > 0 {
			body[k] = vs[len(vs)-1]
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	jobID, err := s.submit(ctx, payload, prep.Auth)
	if err != nil {
		return nil, nil, err
	}
	if err := s.waitCompleted(ctx, jobID, prep.Auth); err != nil {
		return nil, nil, err
	}

	resultURL, err := renderPageTemplate(s.jobURL(s.dr.ResultURL, jobID), pageValues("", "", prep))
	if err != nil {
		return nil, nil, err
	}
	raw, err := s.doRequest(ctx, http.MethodGet, resultURL, nil, "", prep.Auth)
	if err != nil {
		return nil, nil, err
	}
	return s.normalizeJSON(gjson.ParseBytes(raw), p, prep)
}

func (s *dataRequestSearch) submit(ctx context.Context, payload []byte, auth model.Authenticator) (string, error) {
	raw, err := s.doRequest(ctx, http.MethodPost, s.dr.DataRequestURL, payload, "application/json", auth)
	if err != nil {
		return "", err
	}
	jobID := gjson.ParseBytes(raw).Get(s.dr.JobIDKey).String()
	if jobID == "" {
		return "", &errs.RequestError{Message: fmt.Sprintf("%s accepted the data request but returned no %s", s.provider, s.dr.JobIDKey)}
	}
	return jobID, nil
}

// waitCompleted polls the job status with exponential backoff until the
// provider reports completion, the job fails or the poll deadline passes.
func (s *dataRequestSearch) waitCompleted(ctx context.Context, jobID string, auth model.Authenticator) error {
	statusURL := s.jobURL(s.dr.StatusURL, jobID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.dr.PollIntervalS * float64(time.Second))
	policy.MaxElapsedTime = time.Duration(s.dr.PollTimeoutS * float64(time.Second))

	var pending error
	operation := func() error {
		raw, err := s.doRequest(ctx, http.MethodGet, statusURL, nil, "", auth)
		if err != nil {
			return backoff.Permanent(err)
		}
		status := gjson.ParseBytes(raw).Get(s.dr.StatusKey).String()
		switch status {
		case s.dr.StatusComplete:
			return nil
		case s.dr.StatusFailed:
			return backoff.Permanent(&errs.RequestError{Message: fmt.Sprintf("%s data request %s failed", s.provider, jobID)})
		default:
			pending = fmt.Errorf("data request %s still %q", jobID, status)
			return pending
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if err == pending {
		// The deadline passed while the provider was still preparing.
		return &errs.TimeOutError{Timeout: policy.MaxElapsedTime, Err: err}
	}
	return err
}

func (s *dataRequestSearch) jobURL(tpl, jobID string) string {
	return strings.ReplaceAll(tpl, "{jobId}", jobID)
}
