// Package gitrepo provides Git repository cloning functionality.
// It handles cloning repositories from Git URLs with support for:
//   - Specific branch selection
//   - Shallow cloning (depth=1) for faster operations
//   - A bounded clone timeout and a repository size cap
//   - Source-control token injection as HTTP basic auth
//   - Dockerfile validation
//
// The cloner creates isolated directories for each deployment
// to avoid conflicts between concurrent deployments.
package gitrepo

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"renderlite/internal/apierr"
)

// maxRepoSizeBytes rejects clones of repositories larger than this.
const maxRepoSizeBytes = 500 * 1024 * 1024

// IsWorkerApp checks if the Dockerfile indicates this is a worker/background process
// Returns true if worker patterns are found, false otherwise
func IsWorkerApp(repoPath string) bool {
	dockerfilePath := filepath.Join(repoPath, "Dockerfile")

	file, err := os.Open(dockerfilePath)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.ToLower(scanner.Text())

		// Check for worker patterns in CMD, ENTRYPOINT, or RUN directives
		workerPatterns := []string{
			"worker",
			"background",
			"celery",
			"sidekiq",
			"bull",
			"queue",
			"task",
			"cron",
		}

		// Check if line contains CMD, ENTRYPOINT, or RUN with worker patterns
		if strings.Contains(line, "cmd") || strings.Contains(line, "entrypoint") || strings.Contains(line, "run") {
			for _, pattern := range workerPatterns {
				if strings.Contains(line, pattern) {
					log.Printf("[GIT] Detected worker app pattern '%s' in Dockerfile", pattern)
					return true
				}
			}
		}
	}

	return false
}

// Cloner clones repositories into an isolated work directory per deployment.
type Cloner struct {
	WorkDir string
}

func NewCloner(workDir string) *Cloner {
	return &Cloner{WorkDir: workDir}
}

// RepoDir returns the deterministic work directory for a deployment.
func (c *Cloner) RepoDir(deploymentID string) string {
	return filepath.Join(c.WorkDir, "deployment-"+deploymentID)
}

// Clone performs a shallow, single-branch clone of repoURL at branch into
// the deployment's work directory. ctx bounds the whole operation (the
// caller applies CLONE_TIMEOUT). If token is non-empty it is injected as
// HTTP basic auth into the URL passed to git; the rewritten URL is never
// logged or included in any returned error, only the original repoURL.
func (c *Cloner) Clone(ctx context.Context, repoURL, branch, deploymentID, token string) (string, error) {
	repoDir := c.RepoDir(deploymentID)
	log.Printf("[GIT] Cloning repository - URL: %s, Branch: %s, Target: %s", repoURL, branch, repoDir)

	// Remove directory if it exists
	if err := os.RemoveAll(repoDir); err != nil {
		log.Printf("[GIT] ERROR - Failed to clean directory %s: %v", repoDir, err)
		return "", fmt.Errorf("failed to clean directory: %w", err)
	}

	cloneURL, err := withAuth(repoURL, token)
	if err != nil {
		return "", apierr.Validation("invalid repository url", err)
	}

	log.Printf("[GIT] Executing: git clone --branch %s --single-branch --depth 1 <repo> %s", branch, repoDir)
	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, "--single-branch", "--depth", "1", cloneURL, repoDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		sanitized := sanitizeCloneOutput(string(output), token)
		if ctx.Err() != nil {
			log.Printf("[GIT] ERROR - Clone of %s timed out", repoURL)
			return "", apierr.Timeout("git clone timed out", ctx.Err())
		}
		if branchMissing(sanitized) {
			return "", apierr.Validation(fmt.Sprintf("branch %q not found on %s", branch, repoURL), nil)
		}
		log.Printf("[GIT] ERROR - Clone failed: %v, Output: %s", err, sanitized)
		return "", fmt.Errorf("git clone failed: %w, output: %s", err, sanitized)
	}

	if size, err := dirSize(repoDir); err == nil && size > maxRepoSizeBytes {
		os.RemoveAll(repoDir)
		log.Printf("[GIT] ERROR - repository %s exceeds size limit (%d bytes)", repoURL, size)
		return "", apierr.Validation(fmt.Sprintf("repository exceeds %d MiB limit", maxRepoSizeBytes/(1024*1024)), nil)
	}

	log.Printf("[GIT] Repository cloned successfully to: %s", repoDir)
	return repoDir, nil
}

// CommitSha reads the cloned repository's HEAD commit hash.
func (c *Cloner) CommitSha(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoDir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to read commit sha: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Cleanup removes a deployment's work directory. Safe to call even if Clone
// never succeeded.
func (c *Cloner) Cleanup(deploymentID string) {
	repoDir := c.RepoDir(deploymentID)
	if err := os.RemoveAll(repoDir); err != nil {
		log.Printf("[GIT] WARNING - failed to clean up work directory %s: %v", repoDir, err)
	}
}

func withAuth(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

var branchMissingMarkers = []string{
	"Remote branch",
	"couldn't find remote ref",
	"not found in upstream",
}

func branchMissing(output string) bool {
	for _, m := range branchMissingMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// sanitizeCloneOutput strips the injected token from git's own error output
// before it's wrapped into anything that might be logged.
func sanitizeCloneOutput(output, token string) string {
	if token == "" {
		return output
	}
	return strings.ReplaceAll(output, token, "***")
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// CheckDockerfile checks if a Dockerfile exists in the repository directory
func CheckDockerfile(repoPath string) error {
	dockerfilePath := filepath.Join(repoPath, "Dockerfile")
	log.Printf("[GIT] Checking for Dockerfile at: %s", dockerfilePath)

	// Check if Dockerfile exists
	if _, err := os.Stat(dockerfilePath); os.IsNotExist(err) {
		log.Printf("[GIT] ERROR - Dockerfile not found at: %s", dockerfilePath)
		return apierr.Validation("dockerfile not found in repository root directory", nil)
	}

	log.Printf("[GIT] Dockerfile found successfully")
	return nil
}

// EnsurePackageLock handles the case where package.json exists but package-lock.json doesn't.
// This fixes the common issue where Dockerfiles use `npm ci` but the lock file is missing.
// It tries two approaches:
//  1. First, try to generate package-lock.json using npm (if Node.js is available)
//  2. If that fails, modify the Dockerfile to use `npm install` instead of `npm ci`
func EnsurePackageLock(repoPath string) error {
	packageJSONPath := filepath.Join(repoPath, "package.json")
	packageLockPath := filepath.Join(repoPath, "package-lock.json")
	dockerfilePath := filepath.Join(repoPath, "Dockerfile")

	// Check if package.json exists
	if _, err := os.Stat(packageJSONPath); os.IsNotExist(err) {
		log.Printf("[GIT] No package.json found, skipping package-lock.json check")
		return nil
	}

	// Check if package-lock.json already exists
	if _, err := os.Stat(packageLockPath); err == nil {
		log.Printf("[GIT] package-lock.json already exists, no action needed")
		return nil
	}

	log.Printf("[GIT] package.json found but package-lock.json missing")

	// Try to generate package-lock.json using npm (if Node.js is available)
	if err := generatePackageLock(repoPath); err == nil {
		log.Printf("[GIT] package-lock.json generated successfully using npm")
		return nil
	}

	log.Printf("[GIT] Could not generate package-lock.json, modifying Dockerfile to use 'npm install' instead of 'npm ci'")

	// Fallback: modify Dockerfile to use npm install instead of npm ci
	return fixDockerfileNpmCi(repoPath, dockerfilePath)
}

// generatePackageLock attempts to generate package-lock.json using npm
func generatePackageLock(repoPath string) error {
	// Check if npm is available
	if _, err := exec.LookPath("npm"); err != nil {
		return fmt.Errorf("npm not found in PATH")
	}

	log.Printf("[GIT] Attempting to generate package-lock.json using npm...")
	cmd := exec.Command("npm", "install", "--package-lock-only")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install failed: %w, output: %s", err, string(output))
	}
	return nil
}

// fixDockerfileNpmCi modifies the Dockerfile to replace `npm ci` with `npm install`
// when package-lock.json is missing
func fixDockerfileNpmCi(repoPath, dockerfilePath string) error {
	// Read Dockerfile
	file, err := os.Open(dockerfilePath)
	if err != nil {
		return fmt.Errorf("failed to open Dockerfile: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	modified := false

	for scanner.Scan() {
		line := scanner.Text()
		// Check if line contains `npm ci` (case-insensitive, handles variations)
		lowerLine := strings.ToLower(line)
		if strings.Contains(lowerLine, "npm ci") || strings.Contains(lowerLine, "npmci") {
			// Replace npm ci with npm install
			// Preserve the original formatting and any flags
			originalLine := line
			line = strings.ReplaceAll(line, "npm ci", "npm install")
			line = strings.ReplaceAll(line, "npmci", "npm install")
			line = strings.ReplaceAll(line, "npm  ci", "npm install")
			// Also handle case variations
			line = strings.ReplaceAll(line, "NPM CI", "npm install")
			line = strings.ReplaceAll(line, "Npm Ci", "npm install")

			if line != originalLine {
				log.Printf("[GIT] Modified Dockerfile line: %s -> %s", originalLine, line)
				modified = true
			}
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read Dockerfile: %w", err)
	}

	if !modified {
		log.Printf("[GIT] Dockerfile does not contain 'npm ci', no modification needed")
		return nil
	}

	// Write modified Dockerfile
	if err := os.WriteFile(dockerfilePath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write modified Dockerfile: %w", err)
	}

	log.Printf("[GIT] Dockerfile modified successfully to use 'npm install' instead of 'npm ci'")
	return nil
}

// DetectPortFromDockerfile attempts to detect the port from the Dockerfile's EXPOSE directive,
// ENV PORT variable, or by checking package.json and source files for Node.js apps.
// Returns the first port found, or attempts to detect from common patterns, or 8080 as default.
func DetectPortFromDockerfile(repoPath string) int {
	dockerfilePath := filepath.Join(repoPath, "Dockerfile")

	file, err := os.Open(dockerfilePath)
	if err != nil {
		log.Printf("[GIT] WARNING - Failed to open Dockerfile for port detection: %v, trying alternative methods", err)
		return detectPortFromPackageJSON(repoPath)
	}
	defer file.Close()

	// Regex patterns for port detection
	exposeRegex := regexp.MustCompile(`(?i)^\s*EXPOSE\s+(\d+)`)
	envPortRegex := regexp.MustCompile(`(?i)^\s*ENV\s+PORT\s*=\s*(\d+)`)

	scanner := bufio.NewScanner(file)
	var detectedPort int
	foundExpose := false

	for scanner.Scan() {
		line := scanner.Text()

		// First, check for EXPOSE directive (highest priority)
		matches := exposeRegex.FindStringSubmatch(line)
		if len(matches) > 1 {
			port, err := strconv.Atoi(matches[1])
			if err == nil && port > 0 && port < 65536 {
				log.Printf("[GIT] Detected port %d from Dockerfile EXPOSE directive", port)
				return port
			}
		}

		// Check for ENV PORT=3000 (common in Node.js apps)
		if !foundExpose {
			envMatches := envPortRegex.FindStringSubmatch(line)
			if len(envMatches) > 1 {
				port, err := strconv.Atoi(envMatches[1])
				if err == nil && port > 0 && port < 65536 {
					detectedPort = port
					log.Printf("[GIT] Detected port %d from Dockerfile ENV PORT directive", port)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[GIT] WARNING - Error reading Dockerfile: %v, trying alternative methods", err)
		return detectPortFromPackageJSON(repoPath)
	}

	// If we detected a port from ENV PORT, use it
	if detectedPort > 0 {
		return detectedPort
	}

	// No EXPOSE or ENV PORT found, try detecting from package.json or source files
	log.Printf("[GIT] No EXPOSE or ENV PORT found in Dockerfile, checking package.json and source files...")
	return detectPortFromPackageJSON(repoPath)
}

// detectPortFromPackageJSON attempts to detect port from package.json scripts or source files
func detectPortFromPackageJSON(repoPath string) int {
	packageJSONPath := filepath.Join(repoPath, "package.json")

	// Check if package.json exists
	if _, err := os.Stat(packageJSONPath); os.IsNotExist(err) {
		log.Printf("[GIT] No package.json found, using default port 8080")
		return 8080
	}

	// Read package.json to check for Node.js app
	file, err := os.Open(packageJSONPath)
	if err != nil {
		log.Printf("[GIT] Failed to read package.json: %v, using default port 8080", err)
		return 8080
	}
	defer file.Close()

	// Check for common Node.js entry points
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.ToLower(scanner.Text())
		// Check for "main" field pointing to server.js, app.js, index.js, etc.
		if strings.Contains(line, `"main"`) || strings.Contains(line, `"start"`) {
			// This is likely a Node.js app, default to 3000 (common for Express)
			log.Printf("[GIT] Detected Node.js app from package.json, using default port 3000")
			return 3000
		}
	}

	// Check source files for port patterns (server.js, app.js, index.js)
	commonEntryPoints := []string{"server.js", "app.js", "index.js", "main.js"}
	for _, entryPoint := range commonEntryPoints {
		sourcePath := filepath.Join(repoPath, entryPoint)
		if _, err := os.Stat(sourcePath); err == nil {
			// File exists, check for port patterns
			port := detectPortFromSourceFile(sourcePath)
			if port > 0 {
				return port
			}
			// If it's a Node.js file but no port found, default to 3000
			log.Printf("[GIT] Found Node.js entry point %s, using default port 3000", entryPoint)
			return 3000
		}
	}

	log.Printf("[GIT] No port detected from package.json or source files, using default port 8080")
	return 8080
}

// detectPortFromSourceFile attempts to detect port from source code patterns
func detectPortFromSourceFile(filePath string) int {
	file, err := os.Open(filePath)
	if err != nil {
		return 0
	}
	defer file.Close()

	// Common port patterns in Node.js: PORT || 3000, listen(3000), port: 3000
	portPatterns := []*regexp.Regexp{
		regexp.MustCompile(`(?i)PORT\s*\|\|\s*(\d+)`),                // PORT || 3000
		regexp.MustCompile(`(?i)\.listen\((\d+)`),                    // app.listen(3000
		regexp.MustCompile(`(?i)port\s*[:=]\s*(\d+)`),                // port: 3000 or port = 3000
		regexp.MustCompile(`(?i)process\.env\.PORT\s*\|\|\s*(\d+)`), // process.env.PORT || 3000
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		for _, pattern := range portPatterns {
			matches := pattern.FindStringSubmatch(line)
			if len(matches) > 1 {
				port, err := strconv.Atoi(matches[1])
				if err == nil && port > 0 && port < 65536 {
					log.Printf("[GIT] Detected port %d from source file %s", port, filepath.Base(filePath))
					return port
				}
			}
		}
	}

	return 0
}
