package objstore

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/computor/course-tools/pkg/secrets"
)

// Bind registers the connection flags on fs. Credentials travel in a
// file rather than a flag so they never show up in process listings.
func (o *Options) Bind(fs *flag.FlagSet) {
	fs.StringVar(&o.Endpoint, "objstore-endpoint", "", "Object store endpoint, e.g. a MinIO address. Empty targets AWS S3.")
	fs.StringVar(&o.Region, "objstore-region", "us-east-1", "Object store region.")
	fs.StringVar(&o.Bucket, "objstore-bucket", "", "Bucket holding example content.")
	fs.StringVar(&o.CredentialsFile, "objstore-credentials-file", "", "File holding object store credentials as '<access-key-id>:<secret-access-key>'.")
}

// LoadCredentials reads CredentialsFile, registers both halves with the
// censor and fills in the inline credential fields.
func (o *Options) LoadCredentials(censor *secrets.DynamicCensor) error {
	if o.CredentialsFile == "" {
		return fmt.Errorf("--objstore-credentials-file is required")
	}
	raw, err := os.ReadFile(o.CredentialsFile)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", o.CredentialsFile, err)
	}
	id, key, found := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !found || id == "" || key == "" {
		return fmt.Errorf("%s must hold credentials as '<access-key-id>:<secret-access-key>'", o.CredentialsFile)
	}
	censor.AddSecrets(id, key)
	o.AccessKeyID = id
	o.SecretAccessKey = key
	return nil
}
