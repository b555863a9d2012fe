package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/wenwu/saas-platform/compute-service/internal/client"
	"github.com/wenwu/saas-platform/compute-service/internal/lock"
	"github.com/wenwu/saas-platform/compute-service/internal/models"
	"github.com/wenwu/saas-platform/compute-service/internal/repository"
)

var reservedSubdomains = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "mail": true, "smtp": true,
	"imap": true, "pop": true, "ftp": true, "ns1": true, "ns2": true, "dns": true,
	"status": true, "dashboard": true, "console": true, "static": true, "cdn": true,
}

// DomainService maps public subdomains to instance ports through the tunnel manager
type DomainService struct {
	instances *InstanceService
	users     UserStore
	domains   DomainStore
	tunnel    TunnelAPI
	resolver  Resolver
}

// NewDomainService creates a new domain service
func NewDomainService(instances *InstanceService, users UserStore, domains DomainStore, tunnel TunnelAPI, resolver Resolver) *DomainService {
	return &DomainService{
		instances: instances,
		users:     users,
		domains:   domains,
		tunnel:    tunnel,
		resolver:  resolver,
	}
}

// ValidateSubdomain checks a subdomain label
func ValidateSubdomain(sub string) error {
	if len(sub) < 3 || len(sub) > 63 {
		return fmt.Errorf("%w: subdomain must be 3-63 characters", ErrValidation)
	}
	// slug 允许下划线，DNS label 不允许
	if !slug.IsSlug(sub) || strings.Contains(sub, "_") {
		return fmt.Errorf("%w: subdomain may only contain a-z, 0-9 and inner '-'", ErrValidation)
	}
	if reservedSubdomains[sub] {
		return fmt.Errorf("%w: subdomain %q is reserved", ErrValidation, sub)
	}
	return nil
}

// List returns the domains of an instance
func (s *DomainService) List(ctx context.Context, user *models.User, instanceID string) ([]*models.Domain, error) {
	if _, err := s.instances.authorize(ctx, user, instanceID); err != nil {
		return nil, err
	}
	list, err := s.domains.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return list, nil
}

// Create configures the route first and records the domain only after the
// tunnel manager accepted it. A record that cannot be written takes its route with it.
func (s *DomainService) Create(ctx context.Context, user *models.User, instanceID string, req *models.CreateDomainRequest) (*models.Domain, error) {
	sub := strings.ToLower(strings.TrimSpace(req.Subdomain))
	if err := ValidateSubdomain(sub); err != nil {
		return nil, err
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, fmt.Errorf("%w: port must be 1-65535", ErrValidation)
	}

	inst, err := s.instances.authorize(ctx, user, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Address() == "" {
		return nil, fmt.Errorf("%w: instance has no address yet", ErrConflict)
	}

	// 同一用户的域名创建串行化，免费额度计数才准确
	release, ok, err := s.instances.locker.TryLock(ctx, lock.UserDomainsKey(inst.UserID), s.instances.cfg.Provisioning.OpTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire domain lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: another domain operation is in progress", ErrConflict)
	}
	defer release()

	// 实例锁与删除实例互斥, 否则新路由可能在级联删除后无人回收
	releaseInst, err := s.instances.acquire(ctx, instanceID, s.instances.lockTTL())
	if err != nil {
		return nil, err
	}
	defer releaseInst()

	inst, err = s.instances.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, storeErr(err, "instance")
	}
	if inst.Address() == "" {
		return nil, fmt.Errorf("%w: instance has no address yet", ErrConflict)
	}

	existing, err := s.domains.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	if limit := s.instances.cfg.Limits.MaxDomainsPerInstance; limit > 0 && len(existing) >= limit {
		return nil, fmt.Errorf("%w: at most %d domains per instance", ErrQuotaExceeded, limit)
	}

	taken, err := s.domains.SubdomainExists(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("check subdomain: %w", err)
	}
	if taken {
		return nil, fmt.Errorf("%w: subdomain %q is taken", ErrConflict, sub)
	}

	free, err := s.domains.CountFreeByUser(ctx, inst.UserID)
	if err != nil {
		return nil, fmt.Errorf("count domains: %w", err)
	}
	isPaid := free >= s.instances.cfg.Limits.FreeDomainLimit

	if isPaid {
		owner, err := s.users.GetByID(ctx, inst.UserID)
		if err != nil {
			return nil, storeErr(err, "owner")
		}
		if cost := s.instances.cfg.Billing.PaidDomainPointsPerDay; owner.Points < cost {
			return nil, fmt.Errorf("%w: a paid domain needs %s points, balance is %s", ErrInsufficientPoints, cost, owner.Points)
		}
	}

	hostname := sub + "." + s.instances.cfg.Tunnel.BaseDomain
	route, err := s.tunnel.CreateRoute(ctx, &client.CreateRouteRequest{
		Hostname: hostname,
		Target:   fmt.Sprintf("http://%s:%d", inst.Address(), req.Port),
	})
	if err != nil {
		return nil, upstream("create route", err)
	}

	d := &models.Domain{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		UserID:     inst.UserID,
		Subdomain:  sub,
		Hostname:   hostname,
		TargetPort: req.Port,
		IsPaid:     isPaid,
		TunnelID:   route.ID,
	}
	if route.Token != "" {
		token := route.Token
		d.TunnelToken = &token
	}

	if err := s.domains.Create(ctx, d); err != nil {
		if delErr := s.tunnel.DeleteRoute(context.Background(), route.ID); delErr != nil {
			log.Printf("[DomainService] Compensation failed, route %s for %s is dangling: %v", route.ID, hostname, delErr)
		}
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: subdomain %q is taken", ErrConflict, sub)
		}
		return nil, fmt.Errorf("record domain: %w", err)
	}

	s.instances.logAction(ctx, instanceID, "domain_create", inst.Status,
		fmt.Sprintf("%s -> port %d (paid=%v)", hostname, req.Port, isPaid))
	log.Printf("[DomainService] Domain %s created for instance %s (paid=%v)", hostname, instanceID, isPaid)
	return d, nil
}

func (s *DomainService) load(ctx context.Context, user *models.User, instanceID, domainID string) (*models.Instance, *models.Domain, error) {
	inst, err := s.instances.authorize(ctx, user, instanceID)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.domains.GetByID(ctx, domainID)
	if err != nil {
		return nil, nil, storeErr(err, "domain")
	}
	if d.InstanceID != inst.ID {
		return nil, nil, fmt.Errorf("%w: domain", ErrNotFound)
	}
	return inst, d, nil
}

// Delete tears the route down, then removes the record. Billing for a paid
// domain ends with the first tick after the record is gone.
func (s *DomainService) Delete(ctx context.Context, user *models.User, instanceID, domainID string) error {
	inst, _, err := s.load(ctx, user, instanceID, domainID)
	if err != nil {
		return err
	}

	release, err := s.instances.acquire(ctx, instanceID, s.instances.lockTTL())
	if err != nil {
		return err
	}
	defer release()

	// 加锁后重新读取
	d, err := s.domains.GetByID(ctx, domainID)
	if err != nil {
		return storeErr(err, "domain")
	}

	if err := s.tunnel.DeleteRoute(ctx, d.TunnelID); err != nil {
		return upstream("delete route", err)
	}
	if err := s.domains.Delete(ctx, domainID); err != nil {
		return storeErr(err, "domain")
	}

	s.instances.logAction(ctx, instanceID, "domain_delete", inst.Status, d.Hostname)
	return nil
}

// Verify reports whether the hostname already resolves publicly
func (s *DomainService) Verify(ctx context.Context, user *models.User, instanceID, domainID string) (*models.DomainVerifyResponse, error) {
	_, d, err := s.load(ctx, user, instanceID, domainID)
	if err != nil {
		return nil, err
	}

	answers, err := s.resolver.Lookup(ctx, d.Hostname)
	if err != nil {
		return nil, upstream("dns lookup", err)
	}
	if answers == nil {
		answers = []string{}
	}
	return &models.DomainVerifyResponse{
		DomainID: d.ID,
		Hostname: d.Hostname,
		Resolves: len(answers) > 0,
		Answers:  answers,
	}, nil
}
