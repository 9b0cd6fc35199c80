package builder

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/majorcontext/envhub/internal/labels"
)

// DefaultRef is used when a request names no ref.
const DefaultRef = "HEAD"

// Request describes one environment build. It only lives for the duration
// of a Build call.
type Request struct {
	Repo        string
	Ref         string
	DisplayName string
	// Memory limit in GB; zero means the hub default.
	Memory float64
	// CPU limit in cores; zero means the hub default.
	CPU float64

	Username string
	Password string

	ExtraBuildArgs []string
	// BuilderImage overrides the repo2docker image for this build.
	BuilderImage string
	Env          map[string]string
	// ImageName, when set, is used verbatim as the image reference.
	ImageName string
	// Optional is provider metadata stored as tljh_repo2docker.opt.* labels.
	Optional map[string]string
}

// Validate checks the fields a caller can get wrong.
func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Repo) == "" {
		errs = append(errs, errors.New("repository is empty"))
	}
	if r.Memory < 0 {
		errs = append(errs, errors.New("memory limit must be a non-negative number"))
	}
	if r.CPU < 0 {
		errs = append(errs, errors.New("cpu limit must be a non-negative number"))
	}
	return errors.Join(errs...)
}

// NormalizeRef defaults an empty ref to HEAD and shortens anything that
// looks like a full commit hash (40+ characters) to 7 characters.
func NormalizeRef(ref string) string {
	if ref == "" {
		return DefaultRef
	}
	if len(ref) >= 40 {
		return ref[:7]
	}
	return ref
}

// SanitizeRepoName turns a repository URL into an image repository name:
// the URL path, lowercased, with slashes replaced by dashes.
func SanitizeRepoName(repo string) (string, error) {
	ep, err := transport.NewEndpoint(repo)
	if err != nil {
		return "", fmt.Errorf("parsing repository %q: %w", repo, err)
	}
	name := strings.Trim(ep.Path, "/")
	if name == "" {
		return "", fmt.Errorf("repository %q has no path", repo)
	}
	return strings.ReplaceAll(strings.ToLower(name), "/", "-"), nil
}

// Image returns the image name a build of r produces.
func (r Request) Image() (string, error) {
	info, err := r.info()
	if err != nil {
		return "", err
	}
	return info.ImageName, nil
}

// info resolves the ref, image name and display name of r.
func (r Request) info() (labels.BuildInfo, error) {
	ref := NormalizeRef(r.Ref)

	var imageName, display string
	if r.ImageName != "" {
		imageName = r.ImageName
		display = r.ImageName
	} else {
		name, err := SanitizeRepoName(r.Repo)
		if err != nil {
			return labels.BuildInfo{}, err
		}
		imageName = name + ":" + ref
		display = name
	}
	if r.DisplayName != "" {
		display = r.DisplayName
	}

	return labels.BuildInfo{
		Repo:        r.Repo,
		Ref:         ref,
		ImageName:   imageName,
		DisplayName: display,
		MemoryGB:    r.Memory,
		CPU:         r.CPU,
		Optional:    r.Optional,
	}, nil
}

// env returns the build container environment. Git credentials, when both
// halves are present, replace everything else: repo2docker reads them from
// GIT_CREDENTIAL_ENV as a "username=...\npassword=..." blob.
func (r Request) env() []string {
	if r.Username != "" && r.Password != "" {
		return []string{fmt.Sprintf("GIT_CREDENTIAL_ENV=username=%s\npassword=%s", r.Username, r.Password)}
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+r.Env[k])
	}
	return env
}
