package job

// Endpoint is one object-storage context as seen by the workflow's
// stage-in or stage-out step.
type Endpoint struct {
	ServiceURL string `json:"service_url" yaml:"service_url"`
	AccessKey  string `json:"access_key" yaml:"access_key"`
	SecretKey  string `json:"secret_key" yaml:"secret_key"`
	Region     string `json:"region" yaml:"region"`
	Bucket     string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// StagingParameters are the storage settings handed to the runner.
type StagingParameters struct {
	StageIn  Endpoint `json:"stage_in" yaml:"stage_in"`
	StageOut Endpoint `json:"stage_out" yaml:"stage_out"`

	// Process is the stage-out prefix inside the output bucket.
	Process string `json:"process" yaml:"process"`
	// CollectionID is the id of the result collection; equals the USID.
	CollectionID string `json:"collection_id" yaml:"collection_id"`
}

// Keys under which staging parameters reach the workflow's stage steps.
const (
	KeyStageInServiceURL  = "STAGEIN_AWS_SERVICEURL"
	KeyStageInAccessKey   = "STAGEIN_AWS_ACCESS_KEY_ID"
	KeyStageInSecretKey   = "STAGEIN_AWS_SECRET_ACCESS_KEY"
	KeyStageInRegion      = "STAGEIN_AWS_REGION"
	KeyStageOutServiceURL = "STAGEOUT_AWS_SERVICEURL"
	KeyStageOutAccessKey  = "STAGEOUT_AWS_ACCESS_KEY_ID"
	KeyStageOutSecretKey  = "STAGEOUT_AWS_SECRET_ACCESS_KEY"
	KeyStageOutRegion     = "STAGEOUT_AWS_REGION"
	KeyStageOutOutput     = "STAGEOUT_OUTPUT"
	KeyProcess            = "process"
	KeyCollectionID       = "collection_id"
)

// OutputURI returns the stage-out bucket as an s3:// URI.
func (p StagingParameters) OutputURI() string {
	if p.StageOut.Bucket == "" {
		return ""
	}
	return "s3://" + p.StageOut.Bucket
}

// AsMap renders the parameters in the flat form the runner passes on.
// Empty values are omitted.
func (p StagingParameters) AsMap() map[string]string {
	m := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(KeyStageInServiceURL, p.StageIn.ServiceURL)
	set(KeyStageInAccessKey, p.StageIn.AccessKey)
	set(KeyStageInSecretKey, p.StageIn.SecretKey)
	set(KeyStageInRegion, p.StageIn.Region)
	set(KeyStageOutServiceURL, p.StageOut.ServiceURL)
	set(KeyStageOutAccessKey, p.StageOut.AccessKey)
	set(KeyStageOutSecretKey, p.StageOut.SecretKey)
	set(KeyStageOutRegion, p.StageOut.Region)
	set(KeyStageOutOutput, p.OutputURI())
	set(KeyProcess, p.Process)
	set(KeyCollectionID, p.CollectionID)
	return m
}
