package agent

import (
	"net"
	"strconv"

	"github.com/couchbaselabs/gocbconnstr/v2"
	"github.com/pkg/errors"
)

// ConnSpec is what the agent needs out of a connection string.
type ConnSpec struct {
	KvAddresses   []string
	HttpAddresses []string
	UseTLS        bool
	BucketName    string
	NetworkType   string
}

// ParseConnStr resolves a couchbase:// or couchbases:// connection string
// into seed addresses.  Http addresses carry their scheme so they can be
// handed straight to a config fetcher.
func ParseConnStr(connStr string) (*ConnSpec, error) {
	spec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse connection string")
	}

	resolved, err := gocbconnstr.Resolve(spec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve connection string")
	}

	out := &ConnSpec{
		UseTLS:     resolved.UseSsl,
		BucketName: resolved.Bucket,
	}

	for _, host := range resolved.MemdHosts {
		out.KvAddresses = append(out.KvAddresses, net.JoinHostPort(host.Host, strconv.Itoa(host.Port)))
	}

	httpScheme := "http://"
	if resolved.UseSsl {
		httpScheme = "https://"
	}
	for _, host := range resolved.HttpHosts {
		out.HttpAddresses = append(out.HttpAddresses, httpScheme+net.JoinHostPort(host.Host, strconv.Itoa(host.Port)))
	}

	if networks := resolved.Options["network"]; len(networks) > 0 {
		out.NetworkType = networks[len(networks)-1]
	}

	return out, nil
}
